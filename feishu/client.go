package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pingcap/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"go-feishu-sync/conf"
	"go-feishu-sync/core"
)

const (
	bitableType    = "bitable"
	recordPageSize = 500
	// rate-limit codes the open platform returns alongside HTTP 429
	codeRateLimited = 99991400
	// bitable record not found
	codeRecordNotFound = 1254043
	penaltyWindow      = 60 * time.Second
)

// Client is the bitable wrapper the engine consumes as core.Sheet.
// Databases and tables are addressed by name; tokens and ids are
// resolved once and cached. All calls share one token bucket.
type Client struct {
	appID     string
	appSecret string
	baseURL   string
	http      *http.Client

	qps     float64
	limiter *rate.Limiter

	mu          sync.Mutex
	token       string
	tokenExpire time.Time
	rootToken   string
	appTokens   map[string]string // db name -> app token
	tableIDs    map[string]string // db:table -> table id
	penaltyOn   bool
}

func NewClient(c *conf.FeishuSet) *Client {
	burst := int(c.RateLimitQPS)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		appID:     c.AppID,
		appSecret: c.AppSecret,
		baseURL:   c.BaseURL,
		http:      &http.Client{Timeout: c.Timeout},
		qps:       c.RateLimitQPS,
		limiter:   rate.NewLimiter(rate.Limit(c.RateLimitQPS), burst),
		appTokens: make(map[string]string),
		tableIDs:  make(map[string]string),
	}
}

// TestConnection verifies credentials and drive access for --test.
func (c *Client) TestConnection(ctx context.Context) error {
	if _, err := c.accessToken(ctx); err != nil {
		return err
	}
	_, err := c.rootFolder(ctx)
	return err
}

// ListRecords reads every record of a table, following the page cursor
// to exhaustion so the diff never runs on a partial view.
func (c *Client) ListRecords(ctx context.Context, db, table string) ([]core.SheetRecord, error) {
	appToken, tableID, err := c.resolve(ctx, db, table)
	if err != nil {
		return nil, err
	}

	var out []core.SheetRecord
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("page_size", strconv.Itoa(recordPageSize))
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}
		var page recordList
		err := c.call(ctx, "GET",
			fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records", appToken, tableID), q, nil, &page)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			out = append(out, core.SheetRecord{ExternalID: item.RecordID, Fields: item.Fields})
		}
		if !page.HasMore || page.PageToken == "" {
			return out, nil
		}
		pageToken = page.PageToken
	}
}

func (c *Client) CreateRecord(ctx context.Context, db, table string, fields map[string]core.Value) (string, error) {
	appToken, tableID, err := c.resolve(ctx, db, table)
	if err != nil {
		return "", err
	}
	var data createRecordData
	err = c.call(ctx, "POST",
		fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records", appToken, tableID),
		nil, recordBody{Fields: sheetFields(fields)}, &data)
	if err != nil {
		return "", err
	}
	return data.Record.RecordID, nil
}

func (c *Client) UpdateRecord(ctx context.Context, db, table, recordID string, fields map[string]core.Value) error {
	appToken, tableID, err := c.resolve(ctx, db, table)
	if err != nil {
		return err
	}
	return c.call(ctx, "PUT",
		fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/%s", appToken, tableID, recordID),
		nil, recordBody{Fields: sheetFields(fields)}, nil)
}

func (c *Client) DeleteRecord(ctx context.Context, db, table, recordID string) error {
	appToken, tableID, err := c.resolve(ctx, db, table)
	if err != nil {
		return err
	}
	return c.call(ctx, "DELETE",
		fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/%s", appToken, tableID, recordID),
		nil, nil, nil)
}

// QueryRecords returns records where field == value, using the bitable
// filter syntax.
func (c *Client) QueryRecords(ctx context.Context, db, table, field string, value core.Value) ([]core.SheetRecord, error) {
	appToken, tableID, err := c.resolve(ctx, db, table)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("page_size", strconv.Itoa(recordPageSize))
	q.Set("filter", fmt.Sprintf("CurrentValue.[%s]=%q", field, value.KeyString()))

	var page recordList
	err = c.call(ctx, "GET",
		fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records", appToken, tableID), q, nil, &page)
	if err != nil {
		return nil, err
	}
	out := make([]core.SheetRecord, 0, len(page.Items))
	for _, item := range page.Items {
		out = append(out, core.SheetRecord{ExternalID: item.RecordID, Fields: item.Fields})
	}
	return out, nil
}

// resolve maps db/table names to the app token and table id, caching
// both.
func (c *Client) resolve(ctx context.Context, db, table string) (string, string, error) {
	c.mu.Lock()
	appToken, okApp := c.appTokens[db]
	tableID, okTable := c.tableIDs[db+":"+table]
	c.mu.Unlock()
	if okApp && okTable {
		return appToken, tableID, nil
	}

	if !okApp {
		var err error
		appToken, err = c.findApp(ctx, db)
		if err != nil {
			return "", "", err
		}
		c.mu.Lock()
		c.appTokens[db] = appToken
		c.mu.Unlock()
	}

	tableID, err := c.findTable(ctx, appToken, table)
	if err != nil {
		return "", "", err
	}
	c.mu.Lock()
	c.tableIDs[db+":"+table] = tableID
	c.mu.Unlock()
	return appToken, tableID, nil
}

func (c *Client) findApp(ctx context.Context, db string) (string, error) {
	root, err := c.rootFolder(ctx)
	if err != nil {
		return "", err
	}
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("folder_token", root)
		q.Set("page_size", "200")
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}
		var list driveFileList
		if err := c.call(ctx, "GET", "/drive/v1/files", q, nil, &list); err != nil {
			return "", err
		}
		for _, f := range list.Files {
			if f.Type == bitableType && f.Name == db {
				return f.Token, nil
			}
		}
		if !list.HasMore || list.NextPageToken == "" {
			return "", core.Errorf(core.KindNotFound, "feishu", "bitable %q not found in root folder", db)
		}
		pageToken = list.NextPageToken
	}
}

func (c *Client) findTable(ctx context.Context, appToken, table string) (string, error) {
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("page_size", "100")
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}
		var list tableList
		if err := c.call(ctx, "GET", fmt.Sprintf("/bitable/v1/apps/%s/tables", appToken), q, nil, &list); err != nil {
			return "", err
		}
		for _, t := range list.Items {
			if t.Name == table {
				return t.TableID, nil
			}
		}
		if !list.HasMore || list.PageToken == "" {
			return "", core.Errorf(core.KindNotFound, "feishu", "table %q not found", table)
		}
		pageToken = list.PageToken
	}
}

func (c *Client) rootFolder(ctx context.Context) (string, error) {
	c.mu.Lock()
	root := c.rootToken
	c.mu.Unlock()
	if root != "" {
		return root, nil
	}
	var meta rootFolderMeta
	if err := c.call(ctx, "GET", "/drive/explorer/v2/root_folder/meta", nil, nil, &meta); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.rootToken = meta.Token
	c.mu.Unlock()
	return meta.Token, nil
}

// accessToken returns a valid tenant token, refreshing ahead of expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpire) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	body, _ := json.Marshal(tokenRequest{AppID: c.appID, AppSecret: c.appSecret})
	req, err := http.NewRequest("POST", c.baseURL+"/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", core.NewError(core.KindFatal, "feishu", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", core.NewError(core.KindTransientNetwork, "feishu", err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", core.NewError(core.KindTransientNetwork, "feishu", err)
	}
	if tr.Code != 0 {
		// bad credentials never fix themselves
		return "", core.Errorf(core.KindFatal, "feishu", "tenant token: code %d: %s", tr.Code, tr.Msg)
	}

	c.mu.Lock()
	c.token = tr.TenantAccessToken
	c.tokenExpire = time.Now().Add(time.Duration(tr.Expire)*time.Second - 5*time.Minute)
	c.mu.Unlock()
	return tr.TenantAccessToken, nil
}

// call performs one authenticated API request under the token bucket
// and decodes data into out.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return core.NewError(core.KindTransientNetwork, "feishu", err)
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return core.NewError(core.KindMapping, "feishu", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, u, reader)
	if err != nil {
		return core.NewError(core.KindFatal, "feishu", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return core.NewError(core.KindTransientNetwork, "feishu", err)
	}
	defer resp.Body.Close()

	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return core.NewError(core.KindTransientNetwork, "feishu", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.penalize(resp.Header.Get("Retry-After"))
		return core.Errorf(core.KindRateLimited, "feishu", "%s %s: http 429", method, path)
	}
	if resp.StatusCode == http.StatusNotFound {
		return core.Errorf(core.KindNotFound, "feishu", "%s %s: http 404", method, path)
	}
	if resp.StatusCode >= 500 {
		return core.Errorf(core.KindTransientNetwork, "feishu", "%s %s: http %d", method, path, resp.StatusCode)
	}

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return core.NewError(core.KindTransientNetwork, "feishu",
			errors.Annotatef(err, "%s %s", method, path))
	}
	switch {
	case ar.Code == 0:
	case ar.Code == codeRateLimited:
		c.penalize("")
		return core.Errorf(core.KindRateLimited, "feishu", "%s %s: code %d: %s", method, path, ar.Code, ar.Msg)
	case ar.Code == codeRecordNotFound:
		return core.Errorf(core.KindNotFound, "feishu", "%s %s: code %d: %s", method, path, ar.Code, ar.Msg)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return core.Errorf(core.KindFatal, "feishu", "%s %s: code %d: %s", method, path, ar.Code, ar.Msg)
	default:
		return core.Errorf(core.KindTransientNetwork, "feishu", "%s %s: code %d: %s", method, path, ar.Code, ar.Msg)
	}

	if out != nil && len(ar.Data) > 0 {
		if err := json.Unmarshal(ar.Data, out); err != nil {
			return core.NewError(core.KindTransientNetwork, "feishu",
				errors.Annotatef(err, "%s %s: decode data", method, path))
		}
	}
	return nil
}

// penalize halves the effective QPS for a minute after a rate-limit
// response, honoring Retry-After when the server sends one.
func (c *Client) penalize(retryAfter string) {
	wait := penaltyWindow
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
			if wait < penaltyWindow {
				wait = penaltyWindow
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.penaltyOn {
		return
	}
	c.penaltyOn = true
	c.limiter.SetLimit(rate.Limit(c.qps / 2))
	log.Warnf("feishu: rate limited, qps halved to %.1f for %s", c.qps/2, wait)

	time.AfterFunc(wait, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.penaltyOn = false
		c.limiter.SetLimit(rate.Limit(c.qps))
		log.Infof("feishu: qps restored to %.1f", c.qps)
	})
}

// sheetFields renders tagged values as the bitable JSON field payload.
func sheetFields(fields map[string]core.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for name, v := range fields {
		switch v.Kind {
		case core.KindString:
			out[name] = v.Str
		case core.KindInt:
			out[name] = v.Int
		case core.KindFloat:
			out[name] = v.Float
		case core.KindBool:
			out[name] = v.Bool
		case core.KindTime:
			out[name] = v.Time.UTC().Format(time.RFC3339)
		case core.KindStringList:
			out[name] = v.List
		}
	}
	return out
}
