package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-feishu-sync/conf"
	"go-feishu-sync/gredis"
	"go-feishu-sync/holder"
	"go-feishu-sync/sync_manager"
)

var (
	flagConfig        string
	flagInit          bool
	flagTest          bool
	flagStatus        bool
	flagResetSnapshot string
)

func main() {
	cmd := &cobra.Command{
		Use:           "go-feishu-sync",
		Short:         "Bidirectional sync between Feishu bitables and MySQL",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	cmd.Flags().StringVarP(&flagConfig, "config", "c", "app.toml", "path to the toml config file")
	cmd.Flags().BoolVar(&flagInit, "init", false, "write a default config skeleton and exit")
	cmd.Flags().BoolVar(&flagTest, "test", false, "verify Feishu and MySQL connectivity and exit")
	cmd.Flags().BoolVar(&flagStatus, "status", false, "print counters from the running instance")
	cmd.Flags().StringVar(&flagResetSnapshot, "reset-snapshot", "", "clear the persisted snapshot for one pair (SheetDB:SheetTable)")

	if err := cmd.Execute(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if flagInit {
		if err := conf.WriteSkeleton(flagConfig); err != nil {
			return err
		}
		fmt.Printf("config skeleton written to %s, edit it and start the daemon\n", flagConfig)
		return nil
	}

	conf.Setup(flagConfig)
	c := conf.Config

	if c.Debug {
		log.SetLevel(log.DebugLevel)
	}

	if flagStatus {
		printStatus(c)
		return nil
	}

	if flagResetSnapshot != "" {
		return resetSnapshot(c, flagResetSnapshot)
	}

	if c.Redis != nil {
		gredis.Setup()
		defer gredis.Close()
	}

	en, err := sync_manager.NewEngine(c)
	if err != nil {
		log.Fatalf("init engine err: %+v", err)
	}

	ctx, cancelTest := context.WithTimeout(context.Background(), 30*time.Second)
	err = en.TestConnections(ctx)
	cancelTest()
	if err != nil {
		en.Close()
		log.Fatalf("connection test failed: %+v", err)
	}
	if flagTest {
		en.Close()
		fmt.Println("connection test ok")
		return nil
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	if err := en.Run(); err != nil {
		en.Close()
		log.Fatalf("start engine err: %+v", err)
	}

	st := &sync_manager.Stat{En: en, C: c}
	go st.Run()

	select {
	case n := <-sc:
		log.Infof("receive signal %v, closing", n)
	case <-en.Ctx.Done():
		log.Infof("context is done with %v, closing", en.Ctx.Err())
	}

	st.Close()
	en.Close()
	return nil
}

// printStatus reads the running daemon's /stat page. Exits 2 when no
// instance is listening.
func printStatus(c *conf.ConfigSet) {
	addr := localStatAddr(c)
	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/stat")
	if err != nil {
		fmt.Fprintf(os.Stderr, "no running instance at %s: %v\n", addr, err)
		os.Exit(2)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read status err: %v\n", err)
		os.Exit(2)
	}
	os.Stdout.Write(body)
}

// resetSnapshot forces a full resync of one pair. A running instance
// is told over its stat endpoint; otherwise the persisted snapshot is
// emptied so the next start replays every Sheet row.
func resetSnapshot(c *conf.ConfigSet, pair string) error {
	found := false
	for i := range c.Pairs {
		if c.Pairs[i].SheetDB+":"+c.Pairs[i].SheetTable == pair {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown pair %q", pair)
	}

	if resetRunning(c, pair) {
		return nil
	}

	var h interface {
		Reset(pair string) error
	}
	switch c.Sync.SnapshotStore {
	case "file":
		fh, err := holder.NewFileHolder(c.Sync.DataDir)
		if err != nil {
			return err
		}
		h = fh
	case "redis":
		gredis.Setup()
		defer gredis.Close()
		h = holder.NewRedisHolder(c.Redis.SnapshotPrefix, c.Env)
	default:
		fmt.Println("snapshot store is memory-only; nothing persisted to reset")
		return nil
	}

	if err := h.Reset(pair); err != nil {
		return err
	}
	fmt.Printf("snapshot reset for %s\n", pair)
	return nil
}

func resetRunning(c *conf.ConfigSet, pair string) bool {
	addr := localStatAddr(c)
	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post("http://"+addr+"/reset-snapshot?pair="+url.QueryEscape(pair), "", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "running instance refused reset: %s", body)
		os.Exit(1)
	}
	fmt.Printf("snapshot reset scheduled on running instance for %s\n", pair)
	return true
}

func localStatAddr(c *conf.ConfigSet) string {
	addr := c.Http.StatAddr
	if strings.HasPrefix(addr, "0.0.0.0") || strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr[strings.Index(addr, ":"):]
	}
	return addr
}
