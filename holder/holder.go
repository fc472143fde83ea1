package holder

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/pingcap/errors"
	"github.com/siddontang/go/ioutil2"
	log "github.com/sirupsen/logrus"

	"go-feishu-sync/gredis"
)

// FileHolder persists one snapshot file per pair under dataDir in a
// length-prefixed binary format, written atomically so a crash never
// leaves a torn snapshot.
type FileHolder struct {
	dataDir string
}

func NewFileHolder(dataDir string) (*FileHolder, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	return &FileHolder{dataDir: dataDir}, nil
}

func (h *FileHolder) filePath(pair string) string {
	name := strings.Replace(pair, ":", "__", -1)
	return path.Join(h.dataDir, name+".snapshot")
}

func (h *FileHolder) Save(pair string, snap map[string]string) error {
	var buf bytes.Buffer
	var scratch [binary.MaxVarintLen64]byte

	writeStr := func(s string) {
		n := binary.PutUvarint(scratch[:], uint64(len(s)))
		buf.Write(scratch[:n])
		buf.WriteString(s)
	}

	n := binary.PutUvarint(scratch[:], uint64(len(snap)))
	buf.Write(scratch[:n])
	for id, fp := range snap {
		writeStr(id)
		writeStr(fp)
	}

	if err := ioutil2.WriteFileAtomic(h.filePath(pair), buf.Bytes(), 0644); err != nil {
		log.Errorf("holder: save snapshot %s err: %v", pair, err)
		return errors.Trace(err)
	}
	return nil
}

func (h *FileHolder) Load(pair string) (map[string]string, bool, error) {
	raw, err := ioutil.ReadFile(h.filePath(pair))
	if os.IsNotExist(errors.Cause(err)) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}

	r := bytes.NewReader(raw)
	readStr := func() (string, error) {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return "", err
		}
		b := make([]byte, n)
		if _, err := r.Read(b); err != nil {
			return "", err
		}
		return string(b), nil
	}

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, false, errors.Errorf("snapshot %s corrupt: %v", pair, err)
	}
	snap := make(map[string]string, count)
	for i := uint64(0); i < count; i++ {
		id, err := readStr()
		if err != nil {
			return nil, false, errors.Errorf("snapshot %s corrupt: %v", pair, err)
		}
		fp, err := readStr()
		if err != nil {
			return nil, false, errors.Errorf("snapshot %s corrupt: %v", pair, err)
		}
		snap[id] = fp
	}
	return snap, true, nil
}

// Reset persists an empty snapshot rather than removing the file: an
// empty snapshot replays every Sheet row as a create on the next poll,
// while a missing file means a silent cold start.
func (h *FileHolder) Reset(pair string) error {
	return h.Save(pair, map[string]string{})
}

// RedisHolder keeps snapshots in redis with a TTL, for deployments
// where the daemon has no stable disk.
type RedisHolder struct {
	prefix string
	label  string
	ttl    time.Duration
}

func NewRedisHolder(prefix, label string) *RedisHolder {
	return &RedisHolder{prefix: prefix, label: label, ttl: 24 * time.Hour}
}

func (h *RedisHolder) key(pair string) string {
	return fmt.Sprintf("%s:%s:%s", h.prefix, h.label, pair)
}

func (h *RedisHolder) Save(pair string, snap map[string]string) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return errors.Trace(err)
	}
	return gredis.Set(h.key(pair), raw, h.ttl)
}

func (h *RedisHolder) Load(pair string) (map[string]string, bool, error) {
	raw, err := gredis.Get(h.key(pair))
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	snap := make(map[string]string)
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false, errors.Trace(err)
	}
	return snap, true, nil
}

func (h *RedisHolder) Reset(pair string) error {
	return h.Save(pair, map[string]string{})
}
