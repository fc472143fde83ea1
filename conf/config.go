package conf

import (
	"io/ioutil"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	log "github.com/sirupsen/logrus"
)

type ConfigSet struct {
	Debug  bool       `toml:"debug"`
	Env    string     `toml:"env"`
	Feishu *FeishuSet `toml:"feishu"`
	DB     *MysqlSet  `toml:"db"`
	Redis  *RedisSet  `toml:"redis"`
	Kafka  *KafkaSet  `toml:"kafka"`
	Http   *HttpSet   `toml:"http"`
	Sync   *SyncSet   `toml:"sync"`
	Pairs  []PairSet  `toml:"pairs"`
}

type FeishuSet struct {
	AppID        string        `toml:"appID"`
	AppSecret    string        `toml:"appSecret"`
	BaseURL      string        `toml:"baseURL"`
	Timeout      time.Duration `toml:"timeout"` // seconds in the file
	RateLimitQPS float64       `toml:"rateLimitQPS"`
}

type MysqlSet struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	UserName string `toml:"username"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	Charset  string `toml:"charset"`
	PoolSize int    `toml:"poolSize"`
}

type RedisSet struct {
	Host           string        `toml:"host"`
	Password       string        `toml:"password"`
	DB             int           `toml:"db"`
	PoolSize       int           `toml:"poolSize"`
	MaxRetries     int           `toml:"maxRetries"`
	IdleTimeout    time.Duration `toml:"idleTimeout"` // seconds in the file
	SnapshotPrefix string        `toml:"snapshotPrefix"`
}

type KafkaSet struct {
	Brokers  []string          `toml:"brokers"`
	Version  string            `toml:"version"`
	Topic    string            `toml:"topic"`
	Producer *KafkaProducerSet `toml:"producer"`

	InsecureSkipVerify bool   `toml:"insecureSkipVerify"`
	SaslEnable         bool   `toml:"saslEnable"`
	Username           string `toml:"username"`
	Password           string `toml:"password"`
	CertFile           string `toml:"certFile"`
}

type KafkaProducerSet struct {
	RequiredAcks    int            `toml:"requiredAcks"`
	ReturnSuccesses bool           `toml:"returnSuccesses"`
	ReturnErrors    bool           `toml:"returnErrors"`
	Async           bool           `toml:"async"`
	RetryMax        int            `toml:"retryMax"`
	PartitionerType string         `toml:"partitionerType"`
	Headers         []*KafkaHeader `toml:"headers"`
}

type KafkaHeader struct {
	Key   string `toml:"key"`
	Value string `toml:"value"`
}

type HttpSet struct {
	StatAddr string `toml:"statAddr"`
	StatPath string `toml:"statPath"`
}

type SyncSet struct {
	PollInterval     time.Duration `toml:"pollInterval"` // seconds in the file
	Window           time.Duration `toml:"window"`
	BatchSize        int           `toml:"batchSize"`
	BatchCap         int           `toml:"batchCap"`
	RetryMax         int           `toml:"retryMax"`
	BackoffBase      time.Duration `toml:"backoffBase"`
	BackoffCap       time.Duration `toml:"backoffCap"`
	Workers          int           `toml:"workers"`
	PauseOnErrorRate float64       `toml:"pauseOnErrorRate"`
	PauseSeconds     time.Duration `toml:"pauseSeconds"`
	ShutdownGrace    time.Duration `toml:"shutdownGrace"`
	StaleClaim       time.Duration `toml:"staleClaim"`
	QueueAlarm       int64         `toml:"queueAlarm"`
	LedgerEntries    int           `toml:"ledgerEntries"`
	SnapshotStore    string        `toml:"snapshotStore"` // file, redis or none
	DataDir          string        `toml:"dataDir"`
	ReapAfterDays    int           `toml:"reapAfterDays"`
}

type PairSet struct {
	SheetDB      string            `toml:"sheetDB"`
	SheetTable   string            `toml:"sheetTable"`
	DBTable      string            `toml:"dbTable"`
	KeyField     string            `toml:"keyField"`
	PollInterval time.Duration     `toml:"pollInterval"` // seconds; 0 uses sync.pollInterval
	Fields       map[string]string `toml:"fields"`       // sheet field -> db column
	FieldOrder   []string          `toml:"fieldOrder"`   // optional explicit sheet field order
}

var Config = &ConfigSet{}

// Setup loads and validates the toml config, aborting the process on
// anything the engine cannot run with.
func Setup(configPath string) {
	if configPath == "" {
		configPath = "app.toml"
	}
	data, err := ioutil.ReadFile(configPath)
	if err != nil {
		log.Fatalf("read toml config err: %+v", err)
	}

	if _, err := toml.Decode(string(data), &Config); err != nil {
		log.Fatalf("decode toml config err: %+v", err)
	}

	Config.applyDefaults()

	if err := Config.Check(); err != nil {
		log.Fatalf("invalid config: %+v", err)
	}
}

func (c *ConfigSet) applyDefaults() {
	if c.Feishu == nil {
		c.Feishu = &FeishuSet{}
	}
	if c.Feishu.BaseURL == "" {
		c.Feishu.BaseURL = "https://open.feishu.cn/open-apis"
	}
	if c.Feishu.Timeout == 0 {
		c.Feishu.Timeout = 15
	}
	c.Feishu.Timeout = c.Feishu.Timeout * time.Second
	if c.Feishu.RateLimitQPS == 0 {
		c.Feishu.RateLimitQPS = 10
	}

	if c.DB == nil {
		c.DB = &MysqlSet{}
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.Charset == "" {
		c.DB.Charset = "utf8mb4"
	}
	if c.DB.PoolSize == 0 {
		c.DB.PoolSize = 5
	}

	if c.Redis != nil {
		c.Redis.IdleTimeout = c.Redis.IdleTimeout * time.Second
		if c.Redis.SnapshotPrefix == "" {
			c.Redis.SnapshotPrefix = "feishu_snapshot"
		}
	}

	if c.Http == nil {
		c.Http = &HttpSet{}
	}
	if c.Http.StatAddr == "" {
		c.Http.StatAddr = "0.0.0.0:9090"
	}
	if c.Http.StatPath == "" {
		c.Http.StatPath = "/metrics"
	}

	if c.Sync == nil {
		c.Sync = &SyncSet{}
	}
	s := c.Sync
	if s.PollInterval == 0 {
		s.PollInterval = 5
	}
	if s.Window == 0 {
		s.Window = 10
	}
	if s.BatchSize == 0 {
		s.BatchSize = 10
	}
	if s.BatchCap == 0 {
		s.BatchCap = 100
	}
	if s.RetryMax == 0 {
		s.RetryMax = 3
	}
	if s.BackoffBase == 0 {
		s.BackoffBase = 2
	}
	if s.BackoffCap == 0 {
		s.BackoffCap = 300
	}
	if s.Workers == 0 {
		s.Workers = 4
	}
	if s.PauseOnErrorRate == 0 {
		s.PauseOnErrorRate = 0.1
	}
	if s.PauseSeconds == 0 {
		s.PauseSeconds = 60
	}
	if s.ShutdownGrace == 0 {
		s.ShutdownGrace = 30
	}
	if s.StaleClaim == 0 {
		s.StaleClaim = 120
	}
	if s.QueueAlarm == 0 {
		s.QueueAlarm = 1000
	}
	if s.LedgerEntries == 0 {
		s.LedgerEntries = 10000
	}
	if s.SnapshotStore == "" {
		s.SnapshotStore = "file"
	}
	if s.DataDir == "" {
		s.DataDir = "./data"
	}
	if s.ReapAfterDays == 0 {
		s.ReapAfterDays = 7
	}
	s.PollInterval *= time.Second
	s.Window *= time.Second
	s.BackoffBase *= time.Second
	s.BackoffCap *= time.Second
	s.PauseSeconds *= time.Second
	s.ShutdownGrace *= time.Second
	s.StaleClaim *= time.Second

	for i := range c.Pairs {
		p := &c.Pairs[i]
		if p.PollInterval == 0 {
			p.PollInterval = s.PollInterval
		} else {
			p.PollInterval *= time.Second
		}
	}
}

// Check validates everything the engine cannot start without.
func (c *ConfigSet) Check() error {
	if c.Feishu.AppID == "" || c.Feishu.AppSecret == "" {
		return errors.New("feishu appID and appSecret are required")
	}
	if c.DB.Host == "" || c.DB.Database == "" {
		return errors.New("db host and database are required")
	}
	if w := c.Sync.Window; w < 2*time.Second || w > 120*time.Second {
		return errors.Errorf("sync window %s outside [2s, 120s]", w)
	}
	if c.Sync.BatchSize > c.Sync.BatchCap {
		return errors.Errorf("batchSize %d exceeds batchCap %d", c.Sync.BatchSize, c.Sync.BatchCap)
	}
	if r := c.Sync.PauseOnErrorRate; r < 0 || r > 1 {
		return errors.Errorf("pauseOnErrorRate %v outside [0, 1]", r)
	}
	switch c.Sync.SnapshotStore {
	case "file", "redis", "none":
	default:
		return errors.Errorf("unknown snapshotStore %q", c.Sync.SnapshotStore)
	}
	if c.Sync.SnapshotStore == "redis" && c.Redis == nil {
		return errors.New("snapshotStore is redis but no redis section configured")
	}
	if len(c.Pairs) == 0 {
		return errors.New("no pairs configured")
	}
	seen := make(map[string]bool, len(c.Pairs))
	for i := range c.Pairs {
		p := &c.Pairs[i]
		if p.SheetDB == "" || p.SheetTable == "" || p.DBTable == "" {
			return errors.Errorf("pair %d: sheetDB, sheetTable and dbTable are required", i)
		}
		if p.KeyField == "" {
			return errors.Errorf("pair %s:%s: keyField is required", p.SheetDB, p.SheetTable)
		}
		if len(p.Fields) == 0 {
			return errors.Errorf("pair %s:%s: no fields mapped", p.SheetDB, p.SheetTable)
		}
		keyMapped := false
		for _, dbCol := range p.Fields {
			if dbCol == p.KeyField {
				keyMapped = true
			}
		}
		if !keyMapped {
			return errors.Errorf("pair %s:%s: keyField %q is not a mapped column",
				p.SheetDB, p.SheetTable, p.KeyField)
		}
		if p.PollInterval < 2*time.Second {
			return errors.Errorf("pair %s:%s: pollInterval %s below 2s minimum",
				p.SheetDB, p.SheetTable, p.PollInterval)
		}
		if seen[p.DBTable] {
			return errors.Errorf("pair %s:%s: db table %q already mapped by another pair",
				p.SheetDB, p.SheetTable, p.DBTable)
		}
		seen[p.DBTable] = true
	}
	return nil
}
