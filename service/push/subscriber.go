package push

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type SubscriberSettings struct {
	MinReconnect     time.Duration
	MaxReconnect     time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout bounds the silence between frames, server pings included
	ReadTimeout time.Duration
}

func DefaultSubscriberSettings() *SubscriberSettings {
	return &SubscriberSettings{
		MinReconnect:     500 * time.Millisecond,
		MaxReconnect:     30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      90 * time.Second,
	}
}

// Subscriber holds a websocket to the push channel open, reconnecting with
// capped exponential backoff, and passes every text frame to handle.
type Subscriber struct {
	url      string
	token    string
	handle   func(message []byte)
	settings *SubscriberSettings

	mutex     sync.Mutex
	connected bool
	connects  int
}

func NewSubscriber(url string, token string, handle func(message []byte), settings *SubscriberSettings) *Subscriber {
	if settings == nil {
		settings = DefaultSubscriberSettings()
	}
	return &Subscriber{
		url:      url,
		token:    strings.TrimPrefix(token, "Bearer "),
		handle:   handle,
		settings: settings,
	}
}

func (s *Subscriber) nextReconnect(reconnect time.Duration) time.Duration {
	reconnect *= 2
	if s.settings.MaxReconnect < reconnect {
		reconnect = s.settings.MaxReconnect
	}
	return reconnect
}

// Run blocks until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	reconnect := s.settings.MinReconnect
	for {
		err := s.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// the connection was up, start over from the shortest wait
			reconnect = s.settings.MinReconnect
		} else {
			glog.Infof("[push]connect error %s = %s\n", s.url, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnect):
		}
		reconnect = s.nextReconnect(reconnect)
	}
}

// connect returns nil if a connection was made, however it ended.
func (s *Subscriber) connect(ctx context.Context) error {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.settings.HandshakeTimeout,
	}
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", s.token))
	}
	ws, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return err
	}
	defer ws.Close()

	s.setConnected(true)
	defer s.setConnected(false)
	glog.Infof("[push]connected %s\n", s.url)

	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()
	go func() {
		<-handleCtx.Done()
		// unblocks ReadMessage
		ws.Close()
	}()

	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	for {
		ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				glog.Infof("[push]read error %s = %s\n", s.url, err)
			}
			return nil
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			s.handle(message)
		default:
			glog.V(2).Infof("[push]other=%d\n", messageType)
		}
	}
}

func (s *Subscriber) setConnected(connected bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.connected = connected
	if connected {
		s.connects += 1
	}
}

func (s *Subscriber) Connected() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.connected
}

// Connects counts successful connections, reconnects included.
func (s *Subscriber) Connects() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.connects
}
