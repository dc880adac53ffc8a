package connection

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/hfeeki/pubnub-api/config"
	"github.com/hfeeki/pubnub-api/connection/bus"
	"github.com/hfeeki/pubnub-api/connection/conerr"
	"github.com/hfeeki/pubnub-api/connection/delegate"
	"github.com/hfeeki/pubnub-api/connection/requestbuffer"
	"github.com/hfeeki/pubnub-api/connection/security"
	"github.com/hfeeki/pubnub-api/connection/transport"
	"github.com/hfeeki/pubnub-api/logger"
)

func TestConnection(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Connection Suite")
}

type preparedStreams struct {
	host      string
	port      int
	tlsConfig *tls.Config
}

var _ = Describe("Connection", Ordered, func() {
	const origin = "origin.example"
	const identifier = "A"

	var mockTransporter *transport.MockTransporter
	var mockSource *MockDataSource
	var mockDelegate *delegate.MockDelegate
	var conn *Connection

	var events chan transport.Event
	var writable chan struct{}

	var prepareMu sync.Mutex
	var prepared []preparedStreams

	log := logger.MockLogger(GinkgoWriter)

	baseConfig := config.Snapshot{
		Origin:           origin,
		SecureConnection: true,
	}

	preparedCount := func() int {
		prepareMu.Lock()
		defer prepareMu.Unlock()
		return len(prepared)
	}

	preparedAt := func(index int) preparedStreams {
		prepareMu.Lock()
		defer prepareMu.Unlock()
		return prepared[index]
	}

	// The real transporter re-arms write readiness after each accepted
	// chunk; the mock does the same
	rearmWritable := func(mock.Arguments) {
		select {
		case writable <- struct{}{}:
		default:
		}
	}

	setupHappyTransporter := func() {
		events = make(chan transport.Event, 16)
		writable = make(chan struct{}, 1)

		prepareMu.Lock()
		prepared = nil
		prepareMu.Unlock()

		mockTransporter = &transport.MockTransporter{}
		mockTransporter.On("Prepare", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			capture := preparedStreams{host: args.String(0), port: args.Int(1)}
			if tlsConfig, ok := args.Get(2).(*tls.Config); ok {
				capture.tlsConfig = tlsConfig
			}
			prepareMu.Lock()
			prepared = append(prepared, capture)
			prepareMu.Unlock()
		}).Return(nil)
		mockTransporter.On("Open").Return(nil)
		mockTransporter.On("Events").Return(events)
		mockTransporter.On("Writable").Return(writable)
		mockTransporter.On("Close").Return()
	}

	setupQuietDelegate := func() {
		mockDelegate = &delegate.MockDelegate{}
		mockDelegate.On("DidConnectToHost", origin).Return()
		mockDelegate.On("DidDisconnectFromHost", origin).Return()
		mockDelegate.On("WillDisconnectFromHost", origin, mock.Anything).Return()
		mockDelegate.On("ConnectionDidFailToHost", origin, mock.Anything).Return()
	}

	openBothHalves := func() {
		events <- transport.Event{Kind: transport.OpenCompleted, Half: transport.ReadHalf}
		events <- transport.Event{Kind: transport.OpenCompleted, Half: transport.WriteHalf}
	}

	connectHappy := func(cfg config.Snapshot, source DataSource) {
		conn = New(log, identifier, cfg, mockTransporter)
		if source != nil {
			conn.SetDataSource(source)
		}
		conn.AssignDelegate(mockDelegate)
		conn.Connect()
		openBothHalves()
		Eventually(conn.IsConnected, 2*time.Second).Should(BeTrue(), "the connection never became ready")
	}

	AfterEach(func() {
		if conn != nil {
			conn.Destroy(fmt.Errorf("test finished"))
			conn = nil
		}
	})

	Context("Connecting", func() {
		When("both halves finish opening", func() {
			var connectCount int32

			BeforeEach(func() {
				setupHappyTransporter()
				setupQuietDelegate()

				connectCount = 0
				token := bus.Default().Subscribe(bus.Connected, func(n bus.Notification) {
					atomic.AddInt32(&connectCount, 1)
				})
				DeferCleanup(func() {
					bus.Default().Unsubscribe(token)
				})

				connectHappy(baseConfig, nil)
				time.Sleep(100 * time.Millisecond)
			})

			It("notifies the delegate exactly once", func() {
				mockDelegate.AssertNumberOfCalls(GinkgoT(), "DidConnectToHost", 1)
			})

			It("publishes exactly one connect event on the bus", func() {
				Expect(atomic.LoadInt32(&connectCount)).To(Equal(int32(1)))
			})

			It("prepared the streams toward the origin's TLS port", func() {
				Expect(preparedCount()).To(Equal(1))
				Expect(preparedAt(0).host).To(Equal(origin))
				Expect(preparedAt(0).port).To(Equal(443))
			})
		})

		When("only one half has finished opening", func() {
			BeforeEach(func() {
				setupHappyTransporter()
				setupQuietDelegate()

				conn = New(log, identifier, baseConfig, mockTransporter)
				conn.AssignDelegate(mockDelegate)
				conn.Connect()
				events <- transport.Event{Kind: transport.OpenCompleted, Half: transport.ReadHalf}
				time.Sleep(300 * time.Millisecond)
			})

			It("is not connected and has told no one otherwise", func() {
				Expect(conn.IsConnected()).To(BeFalse())
				mockDelegate.AssertNotCalled(GinkgoT(), "DidConnectToHost", mock.Anything)
			})
		})

		When("the stream pair cannot be prepared", func() {
			BeforeEach(func() {
				events = make(chan transport.Event, 16)
				writable = make(chan struct{}, 1)

				mockTransporter = &transport.MockTransporter{}
				mockTransporter.On("Prepare", mock.Anything, mock.Anything, mock.Anything).Return(fmt.Errorf("no socket for you"))
				mockTransporter.On("Close").Return()
				setupQuietDelegate()

				conn = New(log, identifier, baseConfig, mockTransporter)
				conn.AssignDelegate(mockDelegate)
				conn.Connect()
				time.Sleep(500 * time.Millisecond)
			})

			It("raises a setup failure to the delegate without connecting", func() {
				mockDelegate.AssertCalled(GinkgoT(), "ConnectionDidFailToHost", origin, mock.Anything)
				Expect(conn.IsConnected()).To(BeFalse())

				var setupErr *conerr.SetupFailedError
				Expect(errors.As(conn.InitError(), &setupErr)).To(BeTrue())
			})
		})

		When("connect is requested while already connected", func() {
			BeforeEach(func() {
				setupHappyTransporter()
				setupQuietDelegate()
				connectHappy(baseConfig, nil)

				conn.Connect()
				time.Sleep(300 * time.Millisecond)
			})

			It("does nothing", func() {
				mockTransporter.AssertNumberOfCalls(GinkgoT(), "Open", 1)
				mockDelegate.AssertNumberOfCalls(GinkgoT(), "DidConnectToHost", 1)
			})
		})
	})

	Context("Writing requests", func() {
		When("the data source offers one large request", func() {
			// Three 32 KiB-capped writes cover 70 000 bytes
			payload := make([]byte, 70000)

			BeforeEach(func() {
				setupHappyTransporter()
				setupQuietDelegate()

				mockSource = &MockDataSource{}
				mockSource.On("HasData", identifier).Return(true).Once()
				mockSource.On("HasData", identifier).Return(false)
				mockSource.On("NextRequestIdentifier", identifier).Return("req-1").Once()
				mockSource.On("RequestData", identifier, "req-1").Return(requestbuffer.New("req-1", payload)).Once()
				mockSource.On("ProcessingStarted", identifier, "req-1").Return()
				mockSource.On("DidSendRequest", identifier, "req-1").Return()

				mockTransporter.On("Write", mock.Anything).Run(rearmWritable).Return(32768, nil).Twice()
				mockTransporter.On("Write", mock.Anything).Run(rearmWritable).Return(4464, nil).Once()

				connectHappy(baseConfig, mockSource)
				writable <- struct{}{}
				time.Sleep(time.Second)
			})

			It("starts processing once, writes three chunks, and completes once", func() {
				mockSource.AssertNumberOfCalls(GinkgoT(), "ProcessingStarted", 1)
				mockSource.AssertNumberOfCalls(GinkgoT(), "DidSendRequest", 1)
				mockTransporter.AssertNumberOfCalls(GinkgoT(), "Write", 3)
			})
		})

		When("the data source offers several requests", func() {
			var orderMu sync.Mutex
			var sendOrder []string

			BeforeEach(func() {
				setupHappyTransporter()
				setupQuietDelegate()

				orderMu.Lock()
				sendOrder = nil
				orderMu.Unlock()

				mockSource = &MockDataSource{}
				mockSource.On("HasData", identifier).Return(true).Times(3)
				mockSource.On("HasData", identifier).Return(false)
				mockSource.On("NextRequestIdentifier", identifier).Return("req-1").Once()
				mockSource.On("NextRequestIdentifier", identifier).Return("req-2").Once()
				mockSource.On("NextRequestIdentifier", identifier).Return("req-3").Once()
				for _, id := range []string{"req-1", "req-2", "req-3"} {
					mockSource.On("RequestData", identifier, id).Return(requestbuffer.New(id, []byte("ping"))).Once()
					mockSource.On("ProcessingStarted", identifier, id).Return()
				}
				mockSource.On("DidSendRequest", identifier, mock.Anything).Run(func(args mock.Arguments) {
					orderMu.Lock()
					sendOrder = append(sendOrder, args.String(1))
					orderMu.Unlock()
				}).Return()

				mockTransporter.On("Write", mock.Anything).Run(rearmWritable).Return(4, nil)

				connectHappy(baseConfig, mockSource)
				writable <- struct{}{}
			})

			It("sends them in the order the source produced them", func() {
				Eventually(func() []string {
					orderMu.Lock()
					defer orderMu.Unlock()
					return append([]string{}, sendOrder...)
				}, 2*time.Second).Should(Equal([]string{"req-1", "req-2", "req-3"}))
			})
		})

		When("a write fails after part of the request went out", func() {
			BeforeEach(func() {
				setupHappyTransporter()
				setupQuietDelegate()

				mockSource = &MockDataSource{}
				mockSource.On("HasData", identifier).Return(true).Once()
				mockSource.On("HasData", identifier).Return(false)
				mockSource.On("NextRequestIdentifier", identifier).Return("req-1").Once()
				mockSource.On("RequestData", identifier, "req-1").Return(requestbuffer.New("req-1", make([]byte, 2048))).Once()
				mockSource.On("ProcessingStarted", identifier, "req-1").Return()
				mockSource.On("DidFailToProcessRequest", identifier, "req-1").Return()

				mockTransporter.On("Write", mock.Anything).Run(rearmWritable).Return(1024, nil).Once()
				mockTransporter.On("Write", mock.Anything).Run(rearmWritable).Return(0, errors.New("connection reset by peer")).Once()

				connectHappy(baseConfig, mockSource)
				writable <- struct{}{}
				time.Sleep(time.Second)
			})

			It("fails the request to the data source instead of the delegate", func() {
				mockSource.AssertNumberOfCalls(GinkgoT(), "DidFailToProcessRequest", 1)
				mockDelegate.AssertNotCalled(GinkgoT(), "ConnectionDidFailToHost", mock.Anything, mock.Anything)
				mockDelegate.AssertCalled(GinkgoT(), "WillDisconnectFromHost", origin, mock.Anything)
			})
		})

		When("request execution has been unscheduled", func() {
			BeforeEach(func() {
				setupHappyTransporter()
				setupQuietDelegate()

				mockSource = &MockDataSource{}
				mockSource.On("HasData", identifier).Return(false)

				connectHappy(baseConfig, mockSource)
				time.Sleep(100 * time.Millisecond)

				conn.UnscheduleRequestsExecution()
				time.Sleep(100 * time.Millisecond)

				writable <- struct{}{}
				time.Sleep(300 * time.Millisecond)
			})

			It("stops polling the data source", func() {
				// The one poll happened when the connection came up; the
				// later readiness event must not trigger another
				mockSource.AssertNumberOfCalls(GinkgoT(), "HasData", 1)
			})
		})
	})

	Context("Security fallback", func() {
		reducibleConfig := config.Snapshot{
			Origin:                origin,
			SecureConnection:      true,
			ReduceSecurityOnError: true,
			CleartextFallback:     true,
		}

		tlsError := func(code int) error {
			return conerr.NewTransportError(conerr.DomainSecurity, code, errors.New("handshake torn down"))
		}

		When("the origin rejects the strict handshake", func() {
			BeforeEach(func() {
				setupHappyTransporter()
				setupQuietDelegate()

				conn = New(log, identifier, reducibleConfig, mockTransporter)
				conn.AssignDelegate(mockDelegate)
				conn.Connect()

				Eventually(preparedCount, 2*time.Second).Should(Equal(1))
				events <- transport.Event{Kind: transport.ErrorOccurred, Half: transport.WriteHalf, Err: tlsError(conerr.CodeCertChainInvalid)}
			})

			It("silently reconnects at the lenient level", func() {
				Eventually(preparedCount, 2*time.Second).Should(Equal(2))

				Expect(preparedAt(0).port).To(Equal(443))
				Expect(preparedAt(0).tlsConfig.InsecureSkipVerify).To(BeFalse())
				Expect(preparedAt(1).port).To(Equal(443))
				Expect(preparedAt(1).tlsConfig.InsecureSkipVerify).To(BeTrue())
				Expect(conn.SecurityLevel()).To(Equal(security.Lenient))

				mockDelegate.AssertNotCalled(GinkgoT(), "ConnectionDidFailToHost", mock.Anything, mock.Anything)
				mockDelegate.AssertNotCalled(GinkgoT(), "WillDisconnectFromHost", mock.Anything, mock.Anything)
			})

			It("falls all the way back to cleartext when lenient is rejected too", func() {
				Eventually(preparedCount, 2*time.Second).Should(Equal(2))
				events <- transport.Event{Kind: transport.ErrorOccurred, Half: transport.WriteHalf, Err: tlsError(conerr.CodeNegotiationFailure)}

				Eventually(preparedCount, 2*time.Second).Should(Equal(3))
				Expect(preparedAt(2).port).To(Equal(80))
				Expect(preparedAt(2).tlsConfig).To(BeNil())
				Expect(conn.SecurityLevel()).To(Equal(security.Cleartext))

				mockDelegate.AssertNotCalled(GinkgoT(), "ConnectionDidFailToHost", mock.Anything, mock.Anything)
			})
		})

		When("the configuration does not permit reducing security", func() {
			BeforeEach(func() {
				setupHappyTransporter()
				setupQuietDelegate()

				conn = New(log, identifier, baseConfig, mockTransporter)
				conn.AssignDelegate(mockDelegate)
				conn.Connect()
				events <- transport.Event{Kind: transport.ErrorOccurred, Half: transport.WriteHalf, Err: tlsError(conerr.CodeBadCertificate)}
				time.Sleep(500 * time.Millisecond)
			})

			It("surfaces the handshake failure to the delegate", func() {
				mockDelegate.AssertCalled(GinkgoT(), "ConnectionDidFailToHost", origin, mock.Anything)
				Expect(preparedCount()).To(Equal(1))
			})
		})
	})

	Context("Remote close", func() {
		When("the origin closes the stream", func() {
			BeforeEach(func() {
				setupHappyTransporter()
				setupQuietDelegate()
				connectHappy(baseConfig, nil)

				events <- transport.Event{Kind: transport.EndEncountered, Half: transport.ReadHalf}
			})

			It("closes cleanly and reports a plain disconnect", func() {
				Eventually(conn.IsDisconnected, 2*time.Second).Should(BeTrue())
				mockDelegate.AssertCalled(GinkgoT(), "DidDisconnectFromHost", origin)
				mockDelegate.AssertNotCalled(GinkgoT(), "WillDisconnectFromHost", mock.Anything, mock.Anything)
			})

			It("can be connected again afterwards", func() {
				Eventually(conn.IsDisconnected, 2*time.Second).Should(BeTrue())

				conn.Connect()
				openBothHalves()

				Eventually(conn.IsConnected, 2*time.Second).Should(BeTrue())
				mockDelegate.AssertNumberOfCalls(GinkgoT(), "DidConnectToHost", 2)
				Expect(preparedCount()).To(Equal(2))
			})
		})

		When("automatic reconnection is enabled", func() {
			BeforeEach(func() {
				setupHappyTransporter()
				setupQuietDelegate()

				reconnecting := baseConfig
				reconnecting.AutoReconnect = true
				connectHappy(reconnecting, nil)

				events <- transport.Event{Kind: transport.EndEncountered, Half: transport.ReadHalf}
			})

			It("re-establishes the connection by itself", func() {
				Eventually(preparedCount, 5*time.Second).Should(Equal(2))

				openBothHalves()
				Eventually(conn.IsConnected, 2*time.Second).Should(BeTrue())
			})
		})
	})

	Context("Closing", func() {
		When("the connection was never opened", func() {
			BeforeEach(func() {
				setupHappyTransporter()
				setupQuietDelegate()

				conn = New(log, identifier, baseConfig, mockTransporter)
				conn.AssignDelegate(mockDelegate)
				conn.CloseConnection()
				time.Sleep(300 * time.Millisecond)
			})

			It("is a no-op that fires no events", func() {
				mockTransporter.AssertNotCalled(GinkgoT(), "Close")
				Expect(len(mockDelegate.Calls)).To(Equal(0))
			})
		})

		When("close is requested twice", func() {
			BeforeEach(func() {
				setupHappyTransporter()
				setupQuietDelegate()
				connectHappy(baseConfig, nil)

				conn.CloseConnection()
				conn.CloseConnection()
				time.Sleep(300 * time.Millisecond)
			})

			It("disconnects exactly once", func() {
				Expect(conn.IsDisconnected()).To(BeTrue())
				mockDelegate.AssertNumberOfCalls(GinkgoT(), "DidDisconnectFromHost", 1)
			})
		})
	})

	Context("Reading responses", func() {
		BeforeEach(func() {
			setupHappyTransporter()
			setupQuietDelegate()
			connectHappy(baseConfig, nil)
		})

		It("accumulates exactly the delivered bytes across chunks", func() {
			first := []byte("HTTP/1.1 200 OK\r\n")
			second := []byte("Content-Length: 23\r\n\r\n")
			third := []byte(`{"status":"subscribed"}`)

			events <- transport.Event{Kind: transport.BytesAvailable, Half: transport.ReadHalf, Data: first}
			events <- transport.Event{Kind: transport.BytesAvailable, Half: transport.ReadHalf, Data: second}
			events <- transport.Event{Kind: transport.BytesAvailable, Half: transport.ReadHalf, Data: third}

			expected := append(append(append([]byte{}, first...), second...), third...)
			Eventually(conn.ResponseBuffer, 2*time.Second).Should(Equal(expected))

			Expect(conn.LastStatusCode()).To(Equal(200))
			Expect(conn.LastContentLength()).To(Equal(23))
		})

		It("hands the accumulator over on drain", func() {
			payload := []byte("HTTP/1.1 403 Forbidden\r\n\r\n")
			events <- transport.Event{Kind: transport.BytesAvailable, Half: transport.ReadHalf, Data: payload}

			Eventually(conn.ResponseBuffer, 2*time.Second).Should(Equal(payload))
			Expect(conn.DrainResponseBuffer()).To(Equal(payload))
			Expect(conn.ResponseBuffer()).To(BeEmpty())
		})
	})

	Context("Shared delegates", func() {
		When("two parties subscribe to the shared connection", func() {
			var secondDelegate *delegate.MockDelegate

			BeforeEach(func() {
				setupHappyTransporter()
				setupQuietDelegate()

				secondDelegate = &delegate.MockDelegate{}
				secondDelegate.On("DidConnectToHost", origin).Return()

				shared := baseConfig
				shared.SharedConnection = true

				conn = New(log, identifier, shared, mockTransporter)
				conn.AssignDelegate(mockDelegate)
				conn.AssignDelegate(secondDelegate)
				conn.Connect()
				openBothHalves()
				Eventually(conn.IsConnected, 2*time.Second).Should(BeTrue())
			})

			It("notifies both of them on connect", func() {
				mockDelegate.AssertCalled(GinkgoT(), "DidConnectToHost", origin)
				secondDelegate.AssertCalled(GinkgoT(), "DidConnectToHost", origin)
			})
		})
	})
})
