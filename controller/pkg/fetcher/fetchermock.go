package fetcher

import (
	"context"
	"sync"
	"testing"
)

type fetcherMockedMethods struct {
	fetchMock func(ctx context.Context, url string) ([]byte, error)
}

// TestFetcher is a test implementation for Fetcher.
type TestFetcher interface {
	Fetcher
	MockFetch(t *testing.T, impl func(ctx context.Context, url string) ([]byte, error))
}

type testFetcher struct {
	mocks       map[*testing.T]*fetcherMockedMethods
	lock        *sync.Mutex
	currentTest *testing.T
}

// NewTestFetcher returns a new TestFetcher.
func NewTestFetcher() TestFetcher {
	return &testFetcher{
		lock:  &sync.Mutex{},
		mocks: map[*testing.T]*fetcherMockedMethods{},
	}
}

func (m *testFetcher) MockFetch(t *testing.T, impl func(ctx context.Context, url string) ([]byte, error)) {

	m.currentMocks(t).fetchMock = impl
}

func (m *testFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {

	if mock := m.currentMocks(m.currentTest); mock != nil && mock.fetchMock != nil {
		return mock.fetchMock(ctx, url)
	}

	return nil, nil
}

func (m *testFetcher) currentMocks(t *testing.T) *fetcherMockedMethods {
	m.lock.Lock()
	defer m.lock.Unlock()

	mocks := m.mocks[t]

	if mocks == nil {
		mocks = &fetcherMockedMethods{}
		m.mocks[t] = mocks
	}

	m.currentTest = t
	return mocks
}
