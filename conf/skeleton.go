package conf

import (
	"io/ioutil"

	"github.com/pingcap/errors"

	"go-feishu-sync/pkg/file"
)

const skeleton = `debug = false
env = "dev"

[feishu]
appID = "your_app_id"
appSecret = "your_app_secret"
# baseURL = "https://open.feishu.cn/open-apis"
# timeout = 15
# rateLimitQPS = 10

[db]
host = "127.0.0.1"
port = 3306
username = "root"
password = ""
database = "feishu_sync"
# charset = "utf8mb4"
# poolSize = 5

[http]
statAddr = "0.0.0.0:9090"
statPath = "/metrics"

[sync]
# pollInterval = 5
# window = 10
# batchSize = 10
# retryMax = 3
# backoffBase = 2
# backoffCap = 300
# workers = 4
# pauseOnErrorRate = 0.1
# snapshotStore = "file"   # file, redis or none
dataDir = "./data"

# [redis]
# host = "127.0.0.1:6379"
# password = ""

# [kafka]
# brokers = ["127.0.0.1:9092"]
# version = "2.4.0"
# topic = "feishu-sync-audit"
# [kafka.producer]
# requiredAcks = 1
# returnSuccesses = true
# returnErrors = true

[[pairs]]
sheetDB = "MyDB"
sheetTable = "users"
dbTable = "users"
keyField = "user_key"
[pairs.fields]
"Name" = "name"
"Age" = "age"
"Key" = "user_key"
`

// WriteSkeleton writes a commented default config. It refuses to
// overwrite an existing file.
func WriteSkeleton(path string) error {
	if path == "" {
		path = "app.toml"
	}
	if !file.CheckNotExist(path) {
		return errors.Errorf("config file %s already exists", path)
	}
	return ioutil.WriteFile(path, []byte(skeleton), 0644)
}
