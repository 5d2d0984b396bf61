// Package ha imports external statistics into Home Assistant through its websocket API.
package ha

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// StatisticMetadata describes the sensor the values belong to.
type StatisticMetadata struct {
	recorderSource

	HasMean           bool   `json:"has_mean"`
	HasSum            bool   `json:"has_sum"`
	Name              string `json:"name"`
	StatisticID       string `json:"statistic_id"`
	UnitOfMeasurement string `json:"unit_of_measurement"`
}

// recorderSource makes the json encoder add the constant field `"source":"recorder"`.
type recorderSource struct {
	Source recorderString `json:"source"`
}

type recorderString string

func (recorderString) MarshalText() ([]byte, error) { return []byte(`recorder`), nil }

// StatisticValue is a single hourly data point.
//
// Start must be aligned to the hour, Home Assistant rejects the whole import otherwise.
type StatisticValue struct {
	Start time.Time `json:"start"`
	Mean  float64   `json:"mean"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
}

// Statistics is the payload of a recorder/import_statistics message.
type Statistics struct {
	Metadata StatisticMetadata `json:"metadata"`
	Stats    []StatisticValue  `json:"stats"`
}

type result struct {
	ID          int    `json:"id"`
	MessageType string `json:"type"`
	Success     bool   `json:"success"`
	Error       struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Connection is an authenticated websocket connection to Home Assistant.
type Connection struct {
	conn   *websocket.Conn
	nextID int
	// ServerVersion is the version reported by Home Assistant during the handshake.
	ServerVersion string
}

// NewConnection connects to Home Assistant and authenticates.
//
// The host is name or ip, optionally followed by :port. With secure set
// wss is used instead of ws.
// A long lived access token can be created from the user profile page,
// see https://www.home-assistant.io/docs/authentication/#your-account-profile
func NewConnection(ctx context.Context, host, accessToken string, secure bool) (*Connection, error) {
	if host == "" {
		return nil, errors.New("missing Home Assistant host")
	}
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	ws, _, err := websocket.Dial(ctx, scheme+"://"+host+"/api/websocket", nil)
	if err != nil {
		return nil, err
	}

	c := &Connection{conn: ws, nextID: 1}
	if err := c.auth(ctx, accessToken); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.conn.Close(websocket.StatusGoingAway, "bye")
}

// https://developers.home-assistant.io/docs/api/websocket/#authentication-phase
func (c *Connection) auth(ctx context.Context, accessToken string) error {
	var hello struct {
		HAVersion   string `json:"ha_version"`
		MessageType string `json:"type"`
		Message     string `json:"message"`
	}
	if err := wsjson.Read(ctx, c.conn, &hello); err != nil {
		return fmt.Errorf("cannot read auth request: %w", err)
	}
	if hello.MessageType != "auth_required" {
		return fmt.Errorf("expected auth_required, got %q", hello.MessageType)
	}
	c.ServerVersion = hello.HAVersion

	if err := wsjson.Write(ctx, c.conn, map[string]string{
		"type":         "auth",
		"access_token": accessToken,
	}); err != nil {
		return err
	}

	hello.MessageType, hello.Message = "", ""
	if err := wsjson.Read(ctx, c.conn, &hello); err != nil {
		return fmt.Errorf("cannot read auth response: %w", err)
	}
	if hello.MessageType != "auth_ok" {
		return fmt.Errorf("invalid auth: %s %s", hello.MessageType, hello.Message)
	}
	return nil
}

// SendStatistics imports the statistics and waits for Home Assistant to acknowledge them.
//
// It is not safe for concurrent use.
func (c *Connection) SendStatistics(ctx context.Context, stat Statistics) error {
	id := c.nextID
	c.nextID++

	msg := struct {
		Type string `json:"type"`
		ID   int    `json:"id"`
		Statistics
	}{"recorder/import_statistics", id, stat}
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		return err
	}

	var rsp result
	if err := wsjson.Read(ctx, c.conn, &rsp); err != nil {
		return err
	}
	if rsp.ID != id {
		return fmt.Errorf("protocol out of sync: got result for %d, want %d", rsp.ID, id)
	}
	if rsp.MessageType != "result" || !rsp.Success {
		return fmt.Errorf("error %s: %s", rsp.Error.Code, rsp.Error.Message)
	}
	return nil
}
