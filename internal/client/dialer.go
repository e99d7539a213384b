package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Conn is a duplex frame channel to a project. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a connection to the channel of projectID.
type Dialer func(ctx context.Context, projectID string) (Conn, error)

// WebsocketDialer dials project channels under baseURL, e.g. "ws://localhost:8080".
func WebsocketDialer(baseURL string) Dialer {
	base := strings.TrimSuffix(baseURL, "/")
	return func(ctx context.Context, projectID string) (Conn, error) {
		target := base + "/channel/projects/" + url.PathEscape(projectID)
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if errors.Is(err, websocket.ErrBadHandshake) && resp != nil && resp.StatusCode == http.StatusNotFound {
				return nil, ErrProjectNotFound
			}
			return nil, fmt.Errorf("dialing %s: %w", target, err)
		}
		return conn, nil
	}
}
