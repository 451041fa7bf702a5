package command

import (
	"sync"
	"testing"
)

type executorMockedMethods struct {
	runMock   func(name string, args ...string) error
	startMock func(name string, args ...string) error
}

// TestExecutor is a test implementation for Executor.
type TestExecutor interface {
	Executor
	MockRun(t *testing.T, impl func(name string, args ...string) error)
	MockStart(t *testing.T, impl func(name string, args ...string) error)
}

type testExecutor struct {
	mocks       map[*testing.T]*executorMockedMethods
	lock        *sync.Mutex
	currentTest *testing.T
}

// NewTestExecutor returns a new TestExecutor.
func NewTestExecutor() TestExecutor {
	return &testExecutor{
		lock:  &sync.Mutex{},
		mocks: map[*testing.T]*executorMockedMethods{},
	}
}

func (m *testExecutor) MockRun(t *testing.T, impl func(name string, args ...string) error) {

	m.currentMocks(t).runMock = impl
}

func (m *testExecutor) MockStart(t *testing.T, impl func(name string, args ...string) error) {

	m.currentMocks(t).startMock = impl
}

func (m *testExecutor) Run(name string, args ...string) error {

	if mock := m.currentMocks(m.currentTest); mock != nil && mock.runMock != nil {
		return mock.runMock(name, args...)
	}

	return nil
}

func (m *testExecutor) Start(name string, args ...string) error {

	if mock := m.currentMocks(m.currentTest); mock != nil && mock.startMock != nil {
		return mock.startMock(name, args...)
	}

	return nil
}

func (m *testExecutor) currentMocks(t *testing.T) *executorMockedMethods {
	m.lock.Lock()
	defer m.lock.Unlock()

	mocks := m.mocks[t]

	if mocks == nil {
		mocks = &executorMockedMethods{}
		m.mocks[t] = mocks
	}

	m.currentTest = t
	return mocks
}
