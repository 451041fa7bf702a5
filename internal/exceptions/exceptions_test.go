package exceptions

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"go.aporeto.io/tproxyctl/config"
	"go.aporeto.io/tproxyctl/controller/pkg/fetcher"
)

func testResolver(t *testing.T, f fetcher.Fetcher) (*Resolver, *config.Config, func()) {

	dir, err := ioutil.TempDir("", "tproxyctl-exceptions")
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		ListenPort:        1080,
		TriggerInterfaces: []string{"eth*"},
		BypassNetworks:    []string{"172.16.5.0/24"},
		AutoproxyURL:      "https://example.com/autoproxy.pac",
		FetchTimeout:      time.Second,
		CacheDir:          dir,
		ExceptionFile:     filepath.Join(dir, "exceptions.list"),
	}

	r := NewResolver(cfg, f)
	r.retryDelay = time.Millisecond

	return r, cfg, func() { os.RemoveAll(dir) } // nolint
}

func todayCacheFile(cfg *config.Config) string {
	return filepath.Join(cfg.CacheDir, cachePrefix+time.Now().UTC().Format(dayFormat)+cacheSuffix)
}

func TestResolveMerge(t *testing.T) {

	Convey("Given a fetcher serving a remote list", t, func() {

		f := fetcher.NewTestFetcher()
		calls := 0
		f.MockFetch(t, func(ctx context.Context, url string) ([]byte, error) {
			calls++
			return []byte("198.51.100.0/24\n"), nil
		})

		r, cfg, cleanup := testResolver(t, f)
		defer cleanup()

		Convey("When resolving", func() {

			set, err := r.Resolve(context.Background())

			Convey("The merged set should contain static, extra and remote networks", func() {
				So(err, ShouldBeNil)
				So(set.Networks(), ShouldContain, "10.0.0.0/8")
				So(set.Networks(), ShouldContain, "172.16.5.0/24")
				So(set.Networks(), ShouldContain, "198.51.100.0/24")
			})

			Convey("The merged exception file should be the serialized set", func() {
				So(err, ShouldBeNil)
				data, rerr := ioutil.ReadFile(cfg.ExceptionFile)
				So(rerr, ShouldBeNil)
				So(string(data), ShouldEqual, string(set.Serialize()))
			})

			Convey("Resolving again the same day should hit the cache", func() {
				_, err = r.Resolve(context.Background())
				So(err, ShouldBeNil)
				So(calls, ShouldEqual, 1)
			})
		})
	})

	Convey("Given no autoproxy URL", t, func() {

		f := fetcher.NewTestFetcher()
		f.MockFetch(t, func(ctx context.Context, url string) ([]byte, error) {
			t.Fatal("fetch must not be called")
			return nil, nil
		})

		r, _, cleanup := testResolver(t, f)
		r.cfg.AutoproxyURL = ""
		defer cleanup()

		Convey("Resolve should merge only static and configured networks", func() {
			set, err := r.Resolve(context.Background())
			So(err, ShouldBeNil)
			So(set.Networks(), ShouldContain, "172.16.5.0/24")
			So(set.Networks(), ShouldContain, "127.0.0.0/8")
		})
	})
}

func TestResolveCacheFreshness(t *testing.T) {

	Convey("Given a zero-length cache entry for today", t, func() {

		f := fetcher.NewTestFetcher()
		calls := 0
		f.MockFetch(t, func(ctx context.Context, url string) ([]byte, error) {
			calls++
			return []byte("203.0.113.0/24\n"), nil
		})

		r, cfg, cleanup := testResolver(t, f)
		defer cleanup()

		So(ioutil.WriteFile(todayCacheFile(cfg), []byte{}, 0644), ShouldBeNil)

		staleDaily := filepath.Join(cfg.CacheDir, cachePrefix+"19700101"+cacheSuffix)
		So(ioutil.WriteFile(staleDaily, []byte("10.9.9.9/32\n"), 0644), ShouldBeNil)
		So(ioutil.WriteFile(cfg.ExceptionFile, []byte("stale\n"), 0644), ShouldBeNil)

		Convey("Resolve should purge and refetch", func() {

			set, err := r.Resolve(context.Background())

			So(err, ShouldBeNil)
			So(calls, ShouldEqual, 1)
			So(set.Networks(), ShouldContain, "203.0.113.0/24")

			_, statErr := os.Stat(staleDaily)
			So(os.IsNotExist(statErr), ShouldBeTrue)

			info, statErr := os.Stat(todayCacheFile(cfg))
			So(statErr, ShouldBeNil)
			So(info.Size(), ShouldBeGreaterThan, 0)
		})
	})
}

func TestResolveRetryExhaustion(t *testing.T) {

	Convey("Given a fetcher that always fails", t, func() {

		f := fetcher.NewTestFetcher()
		calls := 0
		f.MockFetch(t, func(ctx context.Context, url string) ([]byte, error) {
			calls++
			return nil, errors.New("connection refused")
		})

		r, cfg, cleanup := testResolver(t, f)
		defer cleanup()

		Convey("Resolve should fail with a FetchError after five attempts", func() {

			_, err := r.Resolve(context.Background())

			So(err, ShouldNotBeNil)
			ferr, ok := err.(*FetchError)
			So(ok, ShouldBeTrue)
			So(ferr.Attempts, ShouldEqual, 5)
			So(calls, ShouldEqual, 5)

			Convey("And neither a merged file nor a cache marker should exist", func() {
				_, statErr := os.Stat(cfg.ExceptionFile)
				So(os.IsNotExist(statErr), ShouldBeTrue)
				_, statErr = os.Stat(todayCacheFile(cfg))
				So(os.IsNotExist(statErr), ShouldBeTrue)
			})
		})
	})

	Convey("Given a fetcher that returns empty documents", t, func() {

		f := fetcher.NewTestFetcher()
		f.MockFetch(t, func(ctx context.Context, url string) ([]byte, error) {
			return []byte{}, nil
		})

		r, _, cleanup := testResolver(t, f)
		defer cleanup()

		Convey("An empty body should count as a failed attempt", func() {
			_, err := r.Resolve(context.Background())
			So(err, ShouldNotBeNil)
			_, ok := err.(*FetchError)
			So(ok, ShouldBeTrue)
		})
	})

	Convey("Given a fetcher that fails once then succeeds", t, func() {

		f := fetcher.NewTestFetcher()
		calls := 0
		f.MockFetch(t, func(ctx context.Context, url string) ([]byte, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("transient")
			}
			return []byte("198.51.100.0/24\n"), nil
		})

		r, _, cleanup := testResolver(t, f)
		defer cleanup()

		Convey("Resolve should recover on the second attempt", func() {
			set, err := r.Resolve(context.Background())
			So(err, ShouldBeNil)
			So(calls, ShouldEqual, 2)
			So(set.Networks(), ShouldContain, "198.51.100.0/24")
		})
	})
}
