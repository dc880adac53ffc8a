package connection

import (
	"github.com/hfeeki/pubnub-api/connection/requestbuffer"
	"github.com/stretchr/testify/mock"
)

type MockDataSource struct {
	mock.Mock
}

func (m *MockDataSource) HasData(connectionId string) bool {
	args := m.Called(connectionId)
	return args.Bool(0)
}

func (m *MockDataSource) NextRequestIdentifier(connectionId string) string {
	args := m.Called(connectionId)
	return args.String(0)
}

func (m *MockDataSource) RequestData(connectionId string, requestId string) *requestbuffer.Buffer {
	args := m.Called(connectionId, requestId)
	if buffer, ok := args.Get(0).(*requestbuffer.Buffer); ok {
		return buffer
	}
	return nil
}

func (m *MockDataSource) ProcessingStarted(connectionId string, requestId string) {
	m.Called(connectionId, requestId)
}

func (m *MockDataSource) DidSendRequest(connectionId string, requestId string) {
	m.Called(connectionId, requestId)
}

func (m *MockDataSource) DidFailToProcessRequest(connectionId string, requestId string) {
	m.Called(connectionId, requestId)
}
