// Package dispatch implements the Dispatch Client (C5): it pulls
// Execution Intents over an authenticated, outbound-only websocket
// connection, validates each envelope, and acknowledges idempotently.
// The read/ping loop follows a standard gorilla/websocket socket-mode
// client shape: a read goroutine, a ping ticker, and a write mutex.
package dispatch

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vkrunner/runner/internal/rerr"
	"github.com/vkrunner/runner/internal/store"
	"github.com/vkrunner/runner/internal/telemetry"
)

// Intent is the Execution Intent envelope sent by the control plane.
type Intent struct {
	IntentID       string          `json:"intentId"`
	Nonce          string          `json:"nonce"`
	TargetDeviceID string          `json:"targetDeviceId"`
	TTLMs          int64           `json:"ttlMs"`
	IssuedAtMs     int64           `json:"issuedAtMs"`
	WorkspaceID    string          `json:"workspaceId"`
	SessionID      string          `json:"sessionId"`
	ExecutionID    string          `json:"executionId"`
	RunReason      string          `json:"runReason"`
	CommandKind    string          `json:"commandKind"`
	Params         json.RawMessage `json:"params"`
	Principal      string          `json:"principal"`
	Signature      []byte          `json:"signature"`
}

// AckStatus is the outcome reported back for an intent.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckRejected AckStatus = "rejected"
)

// Ack is the acknowledgement sent back to the control plane.
type Ack struct {
	IntentID string    `json:"intentId"`
	Nonce    string    `json:"nonce"`
	Status   AckStatus `json:"status"`
	Reason   string    `json:"reason,omitempty"`
}

// Authorizer checks whether principal may act on workspaceID. It is a
// thin seam over the identity provider, which is out of scope here.
type Authorizer func(principal, workspaceID string) bool

// Client is an outbound-only authenticated connection to the control
// plane's dispatch endpoint.
type Client struct {
	conn     *websocket.Conn
	deviceID string
	log      *zap.SugaredLogger

	recentNonces *gocache.Cache

	enrollments store.Store
	authorize   Authorizer
	metrics     *telemetry.Metrics

	PongWait     time.Duration
	PingInterval time.Duration

	once sync.Once
	done chan struct{}
}

// Dial opens the outbound websocket connection to url and returns a
// Client ready to Run. metrics may be nil, in which case no counters
// are updated.
func Dial(ctx context.Context, url, deviceID string, enrollments store.Store, authorize Authorizer, log *zap.SugaredLogger, metrics *telemetry.Metrics) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, rerr.New(rerr.KindTransient, "dispatch.Dial", err)
	}
	return &Client{
		conn:         conn,
		deviceID:     deviceID,
		log:          log,
		recentNonces: gocache.New(5*time.Minute, 10*time.Minute),
		enrollments:  enrollments,
		authorize:    authorize,
		metrics:      metrics,
		PongWait:     60 * time.Second,
		PingInterval: 30 * time.Second,
		done:         make(chan struct{}),
	}, nil
}

// Close terminates the connection gracefully.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
	})
}

// Run starts the read loop and ping ticker, dispatching each validated
// intent to handle. It blocks until the connection closes.
func (c *Client) Run(ctx context.Context, handle func(Intent) error) {
	defer c.Close()

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.PongWait))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(c.PongWait))

	go c.pingLoop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warnw("dispatch websocket read error", "error", err)
			}
			return
		}

		var intent Intent
		if err := json.Unmarshal(data, &intent); err != nil {
			c.log.Warnw("dispatch: malformed intent envelope", "error", err)
			continue
		}
		ack := c.validateAndAck(ctx, intent)
		if c.metrics != nil {
			c.metrics.DispatchAcks.WithLabelValues(string(ack.Status), ack.Reason).Inc()
		}
		c.sendAck(ack)
		if ack.Status == AckAccepted {
			if err := handle(intent); err != nil {
				c.log.Errorw("dispatch: handler failed", "intent", intent.IntentID, "error", err)
			}
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warnw("dispatch ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) sendAck(ack Ack) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

// validateAndAck runs every envelope check in order and returns the
// acknowledgement to send. Re-delivery of an already-seen (intentId,
// nonce) is rejected with ReplayedNonce, so it produces zero additional
// side effects: handle is not invoked again.
func (c *Client) validateAndAck(ctx context.Context, intent Intent) Ack {
	base := Ack{IntentID: intent.IntentID, Nonce: intent.Nonce}

	if !c.authorize(intent.Principal, intent.WorkspaceID) {
		base.Status = AckRejected
		base.Reason = rerr.KindNotAuthorized.String()
		return base
	}
	if intent.TargetDeviceID != c.deviceID {
		base.Status = AckRejected
		base.Reason = rerr.KindDeviceMismatch.String()
		return base
	}

	enrollment, err := c.enrollments.GetDeviceEnrollment(ctx, c.deviceID)
	if err != nil || enrollment.RevokedAt != nil {
		base.Status = AckRejected
		base.Reason = rerr.KindDeviceMismatch.String()
		return base
	}
	if !verifySignature(enrollment.PublicKey, intent) {
		base.Status = AckRejected
		base.Reason = rerr.KindNotAuthorized.String()
		return base
	}

	if _, seen := c.recentNonces.Get(intent.Nonce); seen {
		base.Status = AckRejected
		base.Reason = rerr.KindReplayedNonce.String()
		return base
	}
	// The in-memory cache above is a fast pre-check only: it does not
	// survive a runner restart. SeenNonce is the durable backstop that
	// actually enforces replay-resistance across process lifetimes.
	firstSeen, err := c.enrollments.SeenNonce(ctx, intent.IntentID, intent.Nonce)
	if err != nil {
		base.Status = AckRejected
		base.Reason = rerr.KindTransient.String()
		return base
	}
	if !firstSeen {
		base.Status = AckRejected
		base.Reason = rerr.KindReplayedNonce.String()
		return base
	}

	now := time.Now().UnixMilli()
	if now > intent.IssuedAtMs+intent.TTLMs {
		base.Status = AckRejected
		base.Reason = rerr.KindTTLExpired.String()
		return base
	}

	c.recentNonces.SetDefault(intent.Nonce, true)
	base.Status = AckAccepted
	return base
}

// verifySignature checks the control plane's ed25519 signature over the
// intent's canonical fields against the device's enrolled public key.
// ed25519 is used directly from the standard library: it is the
// signature primitive itself, not a concern any pack dependency wraps
// (see DESIGN.md).
func verifySignature(pub ed25519.PublicKey, intent Intent) bool {
	if len(pub) != ed25519.PublicKeySize || len(intent.Signature) == 0 {
		return false
	}
	msg := signedPayload(intent)
	return ed25519.Verify(pub, msg, intent.Signature)
}

func signedPayload(intent Intent) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		intent.IntentID, intent.Nonce, intent.TargetDeviceID, intent.WorkspaceID, intent.ExecutionID, intent.IssuedAtMs))
}
