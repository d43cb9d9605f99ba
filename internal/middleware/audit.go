package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/posdesk/backoffice/internal/model"
	"github.com/posdesk/backoffice/internal/pkg/apperrors"
	"github.com/posdesk/backoffice/internal/pkg/logger"
	"github.com/posdesk/backoffice/internal/service"
)

const (
	ContextActorKey = "actor"
	HeaderRequestID = "X-Request-ID"

	unknownValue    = "unknown"
	redactedValue   = "***"
	oldDataField    = "oldData"
	storeIDField    = "storeId"
	resourceIDField = "id"
)

// AuditRecorder is the part of the audit facade the interceptor dispatches to.
type AuditRecorder interface {
	LogCreate(ctx context.Context, actorID, actorName, table, id string, newValue any, tenantID string, extra ...service.AuditOption)
	LogUpdate(ctx context.Context, actorID, actorName, table, id string, oldValue, newValue any, tenantID string, extra ...service.AuditOption)
	LogDelete(ctx context.Context, actorID, actorName, table, id string, deletedValue any, tenantID string, extra ...service.AuditOption)
	LogCriticalAction(ctx context.Context, actorID, actorName, action, table, id string, details map[string]any, tenantID string, extra ...service.AuditOption)
}

var auditedMethods = map[string]struct{}{
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// auditRoute selects the facade operation a request is recorded through.
type auditRoute int

const (
	routeCritical auditRoute = iota
	routeCreate
	routeUpdate
	routeDelete
)

// auditRequest is everything the audit job needs, copied out of the gin context before the
// context is recycled.
type auditRequest struct {
	method    string
	url       string
	path      string
	params    map[string]string
	query     map[string]any
	body      map[string]any
	actor     model.Actor
	tenantID  string
	ip        string
	userAgent string
	requestID string
	status    int
	duration  time.Duration
	errMsg    string
}

// AuditMiddleware emits one audit job per mutating request from an authenticated actor.
// The job is submitted after the handler returns, off the request goroutine.
func AuditMiddleware(auditLog AuditRecorder) gin.HandlerFunc {
	log := logger.Component("audit-interceptor")

	return func(c *gin.Context) {
		if _, ok := auditedMethods[c.Request.Method]; !ok {
			c.Next()
			return
		}

		start := time.Now()
		reqID := c.GetHeader(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Header(HeaderRequestID, reqID)

		var rawBody []byte
		if c.Request.Body != nil {
			rawBody, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(rawBody))
		}

		finished := false
		defer func() {
			if finished {
				return
			}
			rec := recover()
			if rec == nil {
				return
			}
			if req, ok := snapshotRequest(c, rawBody, reqID, start); ok {
				req.status = http.StatusInternalServerError
				req.errMsg = fmt.Sprint(rec)
				submitAudit(c.Request.Context(), log, auditLog, req)
			}
			panic(rec)
		}()

		c.Next()
		finished = true

		req, ok := snapshotRequest(c, rawBody, reqID, start)
		if !ok {
			return
		}
		if len(c.Errors) > 0 {
			req.errMsg = apperrors.Message(c.Errors.Last().Err)
		}
		submitAudit(c.Request.Context(), log, auditLog, req)
	}
}

// snapshotRequest applies the actor and tenant gates and copies the request.
func snapshotRequest(c *gin.Context, rawBody []byte, reqID string, start time.Time) (*auditRequest, bool) {
	actor, ok := actorFrom(c)
	if !ok {
		return nil, false
	}

	params := make(map[string]string, len(c.Params))
	for _, p := range c.Params {
		params[p.Key] = p.Value
	}
	body := SafeObject(rawBody)

	tenantID, ok := ResolveTenant(body, params)
	if !ok {
		return nil, false
	}

	return &auditRequest{
		method:    c.Request.Method,
		url:       c.Request.URL.RequestURI(),
		path:      c.Request.URL.Path,
		params:    params,
		query:     SafeObject(c.Request.URL.Query()),
		body:      body,
		actor:     *actor,
		tenantID:  tenantID,
		ip:        RequestIP(c),
		userAgent: UserAgent(c),
		requestID: reqID,
		status:    c.Writer.Status(),
		duration:  time.Since(start),
	}, true
}

func actorFrom(c *gin.Context) (*model.Actor, bool) {
	val, exists := c.Get(ContextActorKey)
	if !exists {
		return nil, false
	}
	actor, ok := val.(*model.Actor)
	if !ok || actor == nil || actor.UserID == "" {
		return nil, false
	}
	return actor, true
}

func submitAudit(ctx context.Context, log *slog.Logger, auditLog AuditRecorder, req *auditRequest) {
	detached := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("Audit interceptor failed", "request_id", req.requestID, "panic", rec)
			}
		}()
		dispatchAudit(detached, auditLog, req)
	}()
}

func dispatchAudit(ctx context.Context, auditLog AuditRecorder, req *auditRequest) {
	route, action := classifyRoute(req.method, req.path)
	resource := GetResource(req.path)
	resourceID := GetResourceID(req.params, req.body)
	body := redactObject(req.body)
	details := req.details(body)
	actor := req.actor

	switch route {
	case routeCreate:
		auditLog.LogCreate(ctx, actor.UserID, actor.Username, resource, resourceID, body, req.tenantID,
			service.WithDetails(details))
	case routeUpdate:
		oldValue := SafeObject(body[oldDataField])
		auditLog.LogUpdate(ctx, actor.UserID, actor.Username, resource, resourceID, oldValue, body, req.tenantID,
			service.WithDetails(details))
	case routeDelete:
		auditLog.LogDelete(ctx, actor.UserID, actor.Username, resource, resourceID, body, req.tenantID,
			service.WithDetails(details))
	case routeCritical:
		auditLog.LogCriticalAction(ctx, actor.UserID, actor.Username, action, resource, resourceID, details, req.tenantID)
	}
}

func (r *auditRequest) details(body map[string]any) map[string]any {
	params := make(map[string]any, len(r.params))
	for k, v := range r.params {
		params[k] = v
	}
	details := map[string]any{
		"method":     r.method,
		"url":        r.url,
		"body":       body,
		"params":     params,
		"query":      r.query,
		"durationMs": r.duration.Milliseconds(),
		"ip":         r.ip,
		"userAgent":  r.userAgent,
		"statusCode": r.status,
		"requestId":  r.requestID,
		"success":    r.errMsg == "" && r.status < http.StatusBadRequest,
	}
	if r.errMsg != "" {
		details["error"] = r.errMsg
	}
	return details
}

// classifyRoute returns the facade route and the action label recorded with it. Verb-only
// POST, PUT and DELETE map to CREATE, UPDATE and DELETE; everything else is critical.
func classifyRoute(method, path string) (auditRoute, string) {
	action := strings.ToUpper(GetAction(method, path))
	switch action {
	case http.MethodPost:
		return routeCreate, model.ActionCreate
	case http.MethodPut:
		return routeUpdate, model.ActionUpdate
	case http.MethodDelete:
		return routeDelete, model.ActionDelete
	default:
		return routeCritical, action
	}
}

// GetAction classifies a request by URL keyword, first match wins, else the lower-cased method.
func GetAction(method, rawURL string) string {
	switch {
	case strings.Contains(rawURL, "login"):
		return "login"
	case strings.Contains(rawURL, "logout"):
		return "logout"
	case strings.Contains(rawURL, "password"):
		return "password_change"
	case strings.Contains(rawURL, "profile"):
		return "profile_update"
	default:
		return strings.ToLower(method)
	}
}

// GetResource returns the resource segment of a path. Tenant routes are shaped
// /tenant/:storeId/<resource>/..., other paths use the second segment.
func GetResource(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	segments := make([]string, 0, 4)
	for _, s := range strings.Split(rawURL, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	switch {
	case len(segments) >= 3 && segments[0] == "tenant":
		return segments[2]
	case len(segments) >= 2:
		return segments[1]
	default:
		return unknownValue
	}
}

// GetResourceID returns the id path param, else the body id, else "".
func GetResourceID(params map[string]string, body map[string]any) string {
	if id := params[resourceIDField]; id != "" {
		return id
	}
	switch id := body[resourceIDField].(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	default:
		return ""
	}
}

// ResolveTenant prefers a string storeId in the body over the path param. An empty string
// in the body still wins. ok is false when neither holds a string.
func ResolveTenant(body map[string]any, params map[string]string) (string, bool) {
	if id, ok := body[storeIDField].(string); ok {
		return id, true
	}
	id, ok := params[storeIDField]
	return id, ok
}

// SafeObject coerces v to a plain object. It never fails; unusable input yields an empty map.
func SafeObject(v any) map[string]any {
	switch raw := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		if raw == nil {
			return map[string]any{}
		}
		return raw
	case map[string]string:
		out := make(map[string]any, len(raw))
		for k, val := range raw {
			out[k] = val
		}
		return out
	case url.Values:
		out := make(map[string]any, len(raw))
		for k, vals := range raw {
			if len(vals) == 1 {
				out[k] = vals[0]
			} else {
				out[k] = append([]string(nil), vals...)
			}
		}
		return out
	case gin.Params:
		out := make(map[string]any, len(raw))
		for _, p := range raw {
			out[p.Key] = p.Value
		}
		return out
	case []byte:
		return decodeObject(raw)
	case string:
		return decodeObject([]byte(raw))
	default:
		data, err := json.Marshal(raw)
		if err != nil {
			return map[string]any{}
		}
		return decodeObject(data)
	}
}

func decodeObject(data []byte) map[string]any {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// RequestIP resolves the client address, falling back to the connection peer, then "unknown".
func RequestIP(c *gin.Context) string {
	if c == nil || c.Request == nil {
		return unknownValue
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(strings.TrimSpace(c.Request.RemoteAddr)); err == nil && host != "" {
		return host
	}
	return unknownValue
}

func UserAgent(c *gin.Context) string {
	if c == nil || c.Request == nil {
		return unknownValue
	}
	if ua := c.GetHeader("User-Agent"); ua != "" {
		return ua
	}
	return unknownValue
}

// redactObject returns a deep copy of obj with sensitive values masked.
func redactObject(obj map[string]any) map[string]any {
	data, err := json.Marshal(obj)
	if err != nil {
		return map[string]any{}
	}
	var copied any
	if err := json.Unmarshal(data, &copied); err != nil {
		return map[string]any{}
	}
	redactValue(&copied)
	out, ok := copied.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return out
}

func redactValue(v *any) {
	switch raw := (*v).(type) {
	case map[string]any:
		for key, val := range raw {
			if isSensitiveKey(key) {
				raw[key] = redactedValue
				continue
			}
			vv := val
			redactValue(&vv)
			raw[key] = vv
		}
	case []any:
		for i, val := range raw {
			vv := val
			redactValue(&vv)
			raw[i] = vv
		}
	}
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	switch k {
	case "password",
		"oldpassword",
		"newpassword",
		"confirmpassword",
		"password_hash",
		"passwordhash",
		"pin",
		"token",
		"accesstoken",
		"refreshtoken",
		"secret",
		"apikey",
		"api_key",
		"cardnumber",
		"cvv":
		return true
	default:
		return false
	}
}
