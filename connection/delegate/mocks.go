package delegate

import (
	"github.com/stretchr/testify/mock"
)

type MockDelegate struct {
	mock.Mock
}

func (m *MockDelegate) DidConnectToHost(origin string) {
	m.Called(origin)
}

func (m *MockDelegate) DidDisconnectFromHost(origin string) {
	m.Called(origin)
}

func (m *MockDelegate) WillDisconnectFromHost(origin string, err error) {
	m.Called(origin, err)
}

func (m *MockDelegate) ConnectionDidFailToHost(origin string, err error) {
	m.Called(origin, err)
}
