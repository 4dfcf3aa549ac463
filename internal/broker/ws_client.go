package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
)

// Wire methods understood by the venue bridge
const (
	methodLogin      = "login"
	methodGetBalance = "get_balance"
	methodBuy        = "buy"
	methodCheckWin   = "check_win"
)

// Bridge error codes mapped onto broker errors
const (
	codeInvalidCredentials = "invalid_credentials"
	codeNotSettled         = "not_settled"
	codeRejected           = "rejected"
	codeUnknownOrder       = "unknown_order"
)

type wsRequest struct {
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wsError        `json:"error,omitempty"`
}

// flexibleID accepts order ids sent as JSON strings or numbers
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexibleID(string(b))
	return nil
}

// WSClient speaks a JSON request/response protocol to a venue bridge over a websocket.
// Responses are matched to requests by id, so calls from many goroutines can overlap.
type WSClient struct {
	url     string
	conn    *websocket.Conn
	timeout time.Duration
	logger  *logging.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wsResponse
	readErr error

	done      chan struct{}
	closeOnce sync.Once
}

// DialWS connects to the bridge at url and logs in with creds
func DialWS(ctx context.Context, url string, creds Credentials, timeout time.Duration) (*WSClient, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, url, err)
	}

	c := &WSClient{
		url:     url,
		conn:    conn,
		timeout: timeout,
		logger:  logging.BrokerContext("websocket", "session").WithField("url", url),
		pending: make(map[string]chan wsResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	var login struct {
		OK bool `json:"ok"`
	}
	err = c.call(ctx, methodLogin, map[string]interface{}{
		"email":        creds.Email,
		"password":     creds.Password,
		"account_type": string(creds.AccountType),
	}, &login)
	if err == nil && !login.OK {
		err = ErrInvalidCredentials
	}
	if err != nil {
		c.Close()
		return nil, err
	}

	c.logger.Info("Broker session established", "account_type", string(creds.AccountType))
	return c, nil
}

func (c *WSClient) readLoop() {
	defer c.shutdown(errors.New("connection closed"))

	c.conn.SetReadLimit(1 << 20)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var resp wsResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			c.logger.Warn("Dropping malformed bridge message", "error", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- resp
		} else {
			c.logger.Debug("Response for unknown request", "id", resp.ID)
		}
	}
}

// shutdown fails every pending call and marks the client dead
func (c *WSClient) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.readErr = cause
		c.pending = make(map[string]chan wsResponse)
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *WSClient) call(ctx context.Context, method string, params, out interface{}) error {
	id := uuid.New().String()
	ch := make(chan wsResponse, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(wsRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(err)
		return fmt.Errorf("%w: write %s: %v", ErrConnection, method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return mapBridgeError(method, resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("%w: decode %s response: %v", ErrConnection, method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrConnection, method, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: %s timed out after %s", ErrConnection, method, c.timeout)
	case <-c.done:
		return fmt.Errorf("%w: connection lost during %s", ErrConnection, method)
	}
}

func mapBridgeError(method string, e *wsError) error {
	switch e.Code {
	case codeInvalidCredentials:
		return fmt.Errorf("%w: %s", ErrInvalidCredentials, e.Message)
	case codeNotSettled:
		return ErrNotYetSettled
	case codeRejected:
		return fmt.Errorf("%w: %s", ErrRejected, e.Message)
	case codeUnknownOrder:
		return fmt.Errorf("%w: %s", ErrUnknownOrder, e.Message)
	default:
		return fmt.Errorf("%w: %s failed (%s): %s", ErrConnection, method, e.Code, e.Message)
	}
}

// GetBalance implements Client
func (c *WSClient) GetBalance(ctx context.Context) (float64, error) {
	var out struct {
		Balance float64 `json:"balance"`
	}
	if err := c.call(ctx, methodGetBalance, nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// PlaceOrder implements Client
func (c *WSClient) PlaceOrder(ctx context.Context, req OrderRequest) (bool, string, error) {
	if err := req.Validate(); err != nil {
		return false, "", nil
	}
	var out struct {
		Accepted bool       `json:"accepted"`
		OrderID  flexibleID `json:"order_id"`
	}
	err := c.call(ctx, methodBuy, map[string]interface{}{
		"asset":     req.Asset,
		"direction": strings.ToLower(string(req.Direction)),
		"amount":    req.Amount,
		"expiry":    req.ExpiryMinutes,
	}, &out)
	if errors.Is(err, ErrRejected) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	if !out.Accepted || out.OrderID == "" {
		return false, "", nil
	}
	return true, string(out.OrderID), nil
}

// CheckResult implements Client
func (c *WSClient) CheckResult(ctx context.Context, orderID string) (Result, error) {
	var out struct {
		Status string  `json:"status"`
		Profit float64 `json:"profit"`
	}
	if err := c.call(ctx, methodCheckWin, map[string]string{"order_id": orderID}, &out); err != nil {
		return Result{}, err
	}
	switch Outcome(strings.ToLower(out.Status)) {
	case OutcomeWin:
		return Result{Outcome: OutcomeWin, Profit: out.Profit}, nil
	case OutcomeLoose, "loss":
		return Result{Outcome: OutcomeLoose, Profit: out.Profit}, nil
	case OutcomeEqual:
		return Result{Outcome: OutcomeEqual, Profit: out.Profit}, nil
	case "", "pending":
		return Result{}, ErrNotYetSettled
	default:
		// the venue reports anything else as a draw
		return Result{Outcome: OutcomeEqual, Profit: out.Profit}, nil
	}
}

// Close implements Client
func (c *WSClient) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.shutdown(errors.New("client closed"))
	return nil
}

// WSConnector dials the venue bridge for each login
type WSConnector struct {
	URL     string
	Timeout time.Duration
}

// Connect implements Connector
func (w *WSConnector) Connect(ctx context.Context, creds Credentials) (Client, error) {
	return DialWS(ctx, w.URL, creds, w.Timeout)
}
