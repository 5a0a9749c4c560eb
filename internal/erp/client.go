// Package erp talks to the point-of-sale ERP over JSON-RPC and converts its
// loosely shaped records into typed values.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/pos-fulfillment/internal/resilience"
)

var (
	// ErrNotFound is returned when a read matches no record.
	ErrNotFound = errors.New("erp: record not found")
	// ErrAuthentication is returned when the ERP rejects the configured login.
	ErrAuthentication = errors.New("erp: authentication failed")
)

// RemoteError is an error reported by the ERP itself.
type RemoteError struct {
	Model   string
	Method  string
	Code    int
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	target := e.Method
	if e.Model != "" {
		target = e.Model + "." + e.Method
	}
	if e.Name != "" {
		return fmt.Sprintf("erp: %s failed: %s (%s)", target, e.Message, e.Name)
	}
	return fmt.Sprintf("erp: %s failed: %s", target, e.Message)
}

// Options configures a Client.
type Options struct {
	URL      string
	Database string
	Username string
	APIKey   string
	HTTP     resilience.HTTPClient
	Logger   zerolog.Logger
}

// Client is a JSON-RPC client. Every call is issued once, apart from a single
// reissue after the ERP rejects a stale login; callers decide what to do with
// other failures.
type Client struct {
	endpoint string
	db       string
	login    string
	apiKey   string
	http     resilience.HTTPClient
	logger   zerolog.Logger

	mu  sync.Mutex
	uid int64
	seq atomic.Int64
}

// New constructs a Client.
func New(opts Options) *Client {
	return &Client{
		endpoint: strings.TrimRight(opts.URL, "/") + "/jsonrpc",
		db:       opts.Database,
		login:    opts.Username,
		apiKey:   opts.APIKey,
		http:     opts.HTTP,
		logger:   opts.Logger,
	}
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"data"`
	} `json:"error"`
}

// Ping checks that the ERP answers.
func (c *Client) Ping(ctx context.Context) error {
	var version map[string]any
	return c.call(ctx, "common", "version", []any{}, &version, "", "")
}

func (c *Client) authenticate(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uid != 0 {
		return c.uid, nil
	}
	var raw json.RawMessage
	if err := c.call(ctx, "common", "authenticate", []any{c.db, c.login, c.apiKey, map[string]any{}}, &raw, "", "authenticate"); err != nil {
		return 0, err
	}
	var uid int64
	if err := json.Unmarshal(raw, &uid); err != nil || uid == 0 {
		return 0, ErrAuthentication
	}
	c.uid = uid
	return uid, nil
}

// forget drops uid so the next call logs in again. A uid already replaced by
// a concurrent caller is kept.
func (c *Client) forget(uid int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uid == uid {
		c.uid = 0
	}
}

func isAuthFailure(err error) bool {
	var remote *RemoteError
	if !errors.As(err, &remote) {
		return false
	}
	switch remote.Name {
	case "odoo.exceptions.AccessDenied", "odoo.http.SessionExpiredException":
		return true
	}
	return false
}

// execute runs model.method through object.execute_kw. A call rejected for
// its login is retried once under a fresh uid.
func (c *Client) execute(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	ctx, span := otel.Tracer("erp.Client").Start(ctx, "erp."+model+"."+method)
	span.SetAttributes(
		attribute.String("erp.model", model),
		attribute.String("erp.method", method),
	)
	defer span.End()

	uid, err := c.authenticate(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	err = c.call(ctx, "object", "execute_kw", []any{c.db, uid, c.apiKey, model, method, args, kwargs}, out, model, method)
	if isAuthFailure(err) {
		// a rejected login never ran the call, so issuing it again is safe
		c.logger.Warn().Err(err).Int64("uid", uid).Str("erp_model", model).Msg("erp session rejected; logging in again")
		c.forget(uid)
		if uid, err = c.authenticate(ctx); err == nil {
			err = c.call(ctx, "object", "execute_kw", []any{c.db, uid, c.apiKey, model, method, args, kwargs}, out, model, method)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Client) call(ctx context.Context, service, method string, args []any, out any, model, label string) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.seq.Add(1),
	})
	if err != nil {
		return fmt.Errorf("erp: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("erp: %s: %w", callName(model, label, method), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("erp: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("erp: %s: %w", callName(model, label, method), &resilience.StatusError{StatusCode: resp.StatusCode, Status: resp.Status})
	}

	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("erp: decode response: %w", err)
	}
	if decoded.Error != nil {
		msg := decoded.Error.Data.Message
		if msg == "" {
			msg = decoded.Error.Message
		}
		if label == "" {
			label = method
		}
		return &RemoteError{Model: model, Method: label, Code: decoded.Error.Code, Name: decoded.Error.Data.Name, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("erp: decode %s result: %w", callName(model, label, method), err)
	}
	return nil
}

func callName(model, label, method string) string {
	if label == "" {
		label = method
	}
	if model == "" {
		return label
	}
	return model + "." + label
}

// read fetches records by id with the given fields.
func (c *Client) read(ctx context.Context, model string, ids []int64, fields []string) ([]Record, error) {
	var records []Record
	err := c.execute(ctx, model, "read", []any{ids}, map[string]any{"fields": fields}, &records)
	return records, err
}

func (c *Client) searchRead(ctx context.Context, model string, domain []any, fields []string, limit int, order string) ([]Record, error) {
	kwargs := map[string]any{"fields": fields}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	if order != "" {
		kwargs["order"] = order
	}
	var records []Record
	err := c.execute(ctx, model, "search_read", []any{domain}, kwargs, &records)
	return records, err
}

func (c *Client) create(ctx context.Context, model string, vals map[string]any) (int64, error) {
	var raw json.RawMessage
	if err := c.execute(ctx, model, "create", []any{vals}, nil, &raw); err != nil {
		return 0, err
	}
	return decodeID(raw)
}

// decodeID accepts both `42` and `[42]`.
func decodeID(raw json.RawMessage) (int64, error) {
	var id int64
	if err := json.Unmarshal(raw, &id); err == nil && id > 0 {
		return id, nil
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err == nil && len(ids) > 0 && ids[0] > 0 {
		return ids[0], nil
	}
	return 0, fmt.Errorf("erp: unexpected create result %s", string(raw))
}
