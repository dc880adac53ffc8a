package transport

import (
	"crypto/tls"

	"github.com/stretchr/testify/mock"
)

type MockTransporter struct {
	mock.Mock
}

func (m *MockTransporter) Prepare(host string, port int, tlsConfig *tls.Config) error {
	args := m.Called(host, port, tlsConfig)
	return args.Error(0)
}

func (m *MockTransporter) Open() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockTransporter) Events() <-chan Event {
	args := m.Called()
	return args.Get(0).(chan Event)
}

func (m *MockTransporter) Writable() <-chan struct{} {
	args := m.Called()
	return args.Get(0).(chan struct{})
}

func (m *MockTransporter) Write(p []byte) (int, error) {
	args := m.Called(p)
	return args.Int(0), args.Error(1)
}

func (m *MockTransporter) Close(reason error) {
	m.Called()
}

func (m *MockTransporter) Done() <-chan struct{} {
	args := m.Called()
	return args.Get(0).(chan struct{})
}

func (m *MockTransporter) Err() error {
	args := m.Called()
	return args.Error(0)
}
