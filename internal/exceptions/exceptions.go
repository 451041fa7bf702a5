// Package exceptions maintains the bypass exception list: a daily cached
// copy of the remote autoproxy document merged with the static reserved
// ranges and the configured extra networks.
package exceptions

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"go.aporeto.io/tproxyctl/config"
	"go.aporeto.io/tproxyctl/controller/pkg/fetcher"
	"go.aporeto.io/tproxyctl/policy"
)

const (
	cachePrefix   = "autoproxy-"
	cacheSuffix   = ".list"
	lockFileName  = ".exceptions.lock"
	maxAttempts   = 5
	dayFormat     = "20060102"
	cacheFileMode = 0644
)

// FetchError reports that the remote list could not be retrieved within the
// retry budget. Bring-up must abort on it: installing redirect rules without
// current exceptions would defeat every bypass entry.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("unable to fetch %s after %d attempts: %s", e.URL, e.Attempts, e.Err)
}

// Cause returns the underlying error of the last attempt.
func (e *FetchError) Cause() error {
	return e.Err
}

// Resolver implements the exception cache.
type Resolver struct {
	cfg        *config.Config
	fetcher    fetcher.Fetcher
	retryDelay time.Duration
	now        func() time.Time
}

// NewResolver creates a resolver over the given configuration and fetch
// collaborator.
func NewResolver(cfg *config.Config, f fetcher.Fetcher) *Resolver {
	return &Resolver{
		cfg:        cfg,
		fetcher:    f,
		retryDelay: 2 * time.Second,
		now:        time.Now,
	}
}

// Resolve produces the current BypassSet. It refreshes the daily remote cache
// when needed, merges all three sources and persists the merged exception
// file before returning. On a *FetchError nothing is written.
func (r *Resolver) Resolve(ctx context.Context) (policy.BypassSet, error) {

	remote := []string{}

	if r.cfg.AutoproxyURL != "" {
		data, err := r.cachedRemoteList(ctx)
		if err != nil {
			return policy.BypassSet{}, err
		}
		remote = policy.ParseNetworkList(data)
	}

	set, err := policy.NewBypassSet(policy.AlwaysBypassNetworks(), r.cfg.BypassNetworks, remote)
	if err != nil {
		return policy.BypassSet{}, err
	}

	if err := r.writeExceptionFile(set); err != nil {
		return policy.BypassSet{}, err
	}

	return set, nil
}

// cachedRemoteList returns the raw remote document, fetching it when today's
// cache entry is absent. A zero-length entry counts as absent: it is the
// residue of an interrupted write, never a valid document.
func (r *Resolver) cachedRemoteList(ctx context.Context) ([]byte, error) {

	day := r.now().UTC().Format(dayFormat)
	cacheFile := filepath.Join(r.cfg.CacheDir, cachePrefix+day+cacheSuffix)

	if info, err := os.Stat(cacheFile); err == nil && info.Size() > 0 {
		zap.L().Debug("Using cached remote list", zap.String("file", cacheFile))
		return ioutil.ReadFile(cacheFile)
	}

	if err := os.MkdirAll(r.cfg.CacheDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "unable to create cache directory %s", r.cfg.CacheDir)
	}

	r.purgeStaleEntries()

	data, err := r.fetchWithRetry(ctx)
	if err != nil {
		return nil, err
	}

	if err := writeAtomic(cacheFile, data); err != nil {
		return nil, errors.Wrapf(err, "unable to store remote list %s", cacheFile)
	}

	return data, nil
}

// purgeStaleEntries removes every daily cache file and the previously merged
// exception file before a refetch.
func (r *Resolver) purgeStaleEntries() {

	stale, err := filepath.Glob(filepath.Join(r.cfg.CacheDir, cachePrefix+"*"+cacheSuffix))
	if err == nil {
		for _, f := range stale {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				zap.L().Warn("Unable to remove stale cache entry", zap.String("file", f), zap.Error(err))
			}
		}
	}

	if err := os.Remove(r.cfg.ExceptionFile); err != nil && !os.IsNotExist(err) {
		zap.L().Warn("Unable to remove stale exception file", zap.String("file", r.cfg.ExceptionFile), zap.Error(err))
	}
}

// fetchWithRetry attempts the remote fetch up to maxAttempts times with a
// fixed delay. An empty body is a failure: a zero-length success marker must
// never enter the cache.
func (r *Resolver) fetchWithRetry(ctx context.Context) ([]byte, error) {

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {

		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
		data, err := r.fetcher.Fetch(attemptCtx, r.cfg.AutoproxyURL)
		cancel()

		if err == nil && len(data) == 0 {
			err = errors.New("remote list is empty")
		}

		if err == nil {
			return data, nil
		}

		lastErr = err
		zap.L().Warn("Remote list fetch attempt failed",
			zap.String("url", r.cfg.AutoproxyURL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < maxAttempts {
			select {
			case <-time.After(r.retryDelay):
			case <-ctx.Done():
				return nil, &FetchError{URL: r.cfg.AutoproxyURL, Attempts: attempt, Err: ctx.Err()}
			}
		}
	}

	return nil, &FetchError{URL: r.cfg.AutoproxyURL, Attempts: maxAttempts, Err: lastErr}
}

// writeExceptionFile persists the merged set under an advisory lock so that
// concurrent invocations for the same day cannot interleave partial writes.
func (r *Resolver) writeExceptionFile(set policy.BypassSet) error {

	if err := os.MkdirAll(filepath.Dir(r.cfg.ExceptionFile), 0755); err != nil {
		return errors.Wrapf(err, "unable to create exception directory for %s", r.cfg.ExceptionFile)
	}

	unlock, err := lockCache(filepath.Join(r.cfg.CacheDir, lockFileName))
	if err != nil {
		zap.L().Warn("Unable to take exception file lock, proceeding with atomic rename only", zap.Error(err))
	} else {
		defer unlock()
	}

	if err := writeAtomic(r.cfg.ExceptionFile, set.Serialize()); err != nil {
		return errors.Wrapf(err, "unable to write exception file %s", r.cfg.ExceptionFile)
	}

	return nil
}

// writeAtomic writes data to a sibling temp file and renames it into place,
// so readers only ever observe the old or the new content.
func writeAtomic(path string, data []byte) error {

	dir := filepath.Dir(path)

	tmp, err := ioutil.TempFile(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()          // nolint
		os.Remove(tmp.Name()) // nolint
		return err
	}

	if err := tmp.Chmod(cacheFileMode); err != nil {
		tmp.Close()          // nolint
		os.Remove(tmp.Name()) // nolint
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name()) // nolint
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// lockCache takes an exclusive advisory flock on the given lock file and
// returns the release function.
func lockCache(path string) (func(), error) {

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, cacheFileMode)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		unix.Close(fd) // nolint
		return nil, err
	}

	return func() {
		if err := unix.Flock(fd, unix.LOCK_UN); err != nil {
			zap.L().Warn("Unable to release exception file lock", zap.Error(err))
		}
		unix.Close(fd) // nolint
	}, nil
}
