package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/user/notibot/internal/bridge"
	"github.com/user/notibot/internal/types"
)

// guestEvent is the notification as bot scripts see it.
type guestEvent struct {
	ID          int64             `json:"id"`
	AppPackage  string            `json:"appPackage"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Timestamp   int64             `json:"timestamp"`
	IsGroup     bool              `json:"isGroup"`
	Actions     []string          `json:"actions"`
	Attachments []guestAttachment `json:"attachments"`
}

type guestAttachment struct {
	ID                 string `json:"id"`
	MimeType           string `json:"mimeType"`
	SizeBytes          int64  `json:"sizeBytes"`
	HasRetrievableFile bool   `json:"hasRetrievableFile"`
	HasThumbnail       bool   `json:"hasThumbnail"`
}

func newGuestEvent(ev *types.NotificationEvent) guestEvent {
	g := guestEvent{
		ID:          ev.ID,
		AppPackage:  ev.SourceApp,
		Title:       ev.Title,
		Body:        ev.Body,
		Timestamp:   ev.Timestamp,
		IsGroup:     ev.IsGroup,
		Actions:     append([]string{}, ev.AvailableActions...),
		Attachments: make([]guestAttachment, 0, len(ev.Attachments)),
	}
	for _, a := range ev.Attachments {
		g.Attachments = append(g.Attachments, guestAttachment{
			ID:                 string(a.ID),
			MimeType:           a.MimeType,
			SizeBytes:          a.SizeBytes,
			HasRetrievableFile: a.HasRetrievableFile,
			HasThumbnail:       a.ThumbnailBase64 != "",
		})
	}
	return g
}

func (sb *Sandbox) androidObject() *goja.Object {
	obj := sb.vm.NewObject()
	bind := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = obj.Set(name, fn)
	}
	bind("log", sb.jsLog)
	bind("storageGet", sb.jsStorageGet)
	bind("storageSet", sb.jsStorageSet)
	bind("storageRemove", sb.jsStorageRemove)
	bind("storageKeys", sb.jsStorageKeys)
	bind("httpRequest", sb.jsHTTPRequest)
	bind("getCurrentTime", func(goja.FunctionCall) goja.Value {
		return sb.vm.ToValue(sb.session.CurrentTime())
	})
	bind("getAppName", func(call goja.FunctionCall) goja.Value {
		return sb.vm.ToValue(sb.session.AppName(call.Argument(0).String()))
	})
	bind("getAttachmentPath", sb.optional(sb.session.AttachmentPath))
	bind("readAttachmentAsBase64", sb.optional(sb.session.ReadAttachmentBase64))
	bind("getAttachmentThumbnail", sb.optional(sb.session.AttachmentThumbnail))
	return obj
}

func (sb *Sandbox) throw(err error) {
	panic(sb.vm.NewGoError(err))
}

func (sb *Sandbox) jsLog(call goja.FunctionCall) goja.Value {
	switch len(call.Arguments) {
	case 0:
	case 1:
		sb.session.Log("info", call.Arguments[0].String())
	default:
		sb.session.Log(call.Arguments[0].String(), call.Arguments[1].String())
	}
	return goja.Undefined()
}

func (sb *Sandbox) jsStorageGet(call goja.FunctionCall) goja.Value {
	v, ok, err := sb.session.StorageGet(sb.ctx, call.Argument(0).String())
	if err != nil {
		sb.throw(err)
	}
	if !ok {
		return goja.Null()
	}
	return sb.vm.ToValue(v)
}

func (sb *Sandbox) jsStorageSet(call goja.FunctionCall) goja.Value {
	if err := sb.session.StorageSet(sb.ctx, call.Argument(0).String(), call.Argument(1).String()); err != nil {
		sb.throw(err)
	}
	return goja.Undefined()
}

func (sb *Sandbox) jsStorageRemove(call goja.FunctionCall) goja.Value {
	if err := sb.session.StorageRemove(sb.ctx, call.Argument(0).String()); err != nil {
		sb.throw(err)
	}
	return goja.Undefined()
}

func (sb *Sandbox) jsStorageKeys(goja.FunctionCall) goja.Value {
	keys, err := sb.session.StorageKeys(sb.ctx)
	if err != nil {
		sb.throw(err)
	}
	items := make([]any, len(keys))
	for i, k := range keys {
		items[i] = k
	}
	return sb.vm.NewArray(items...)
}

// jsHTTPRequest returns a promise and performs the request on a worker
// goroutine. The settlement is posted back to the loop.
func (sb *Sandbox) jsHTTPRequest(call goja.FunctionCall) goja.Value {
	promise, resolve, reject := sb.vm.NewPromise()
	req, err := sb.httpArgs(call)
	if err != nil {
		reject(sb.vm.NewGoError(err))
		return sb.vm.ToValue(promise)
	}

	ctx, session := sb.ctx, sb.session
	go func() {
		body, err := session.HTTPRequest(ctx, req)
		sb.post(func() {
			if err != nil {
				reject(sb.vm.NewGoError(err))
				return
			}
			resolve(body)
		})
	}()
	return sb.vm.ToValue(promise)
}

// httpArgs accepts an options object, its JSON text, or positional
// (url, method, headers, body, timeoutMs) arguments.
func (sb *Sandbox) httpArgs(call goja.FunctionCall) (bridge.HTTPRequest, error) {
	first := call.Argument(0)
	if s, ok := first.Export().(string); ok && strings.HasPrefix(strings.TrimSpace(s), "{") {
		v, err := sb.jsonParse(goja.Undefined(), first)
		if err != nil {
			return bridge.HTTPRequest{}, fmt.Errorf("invalid request options: %w", err)
		}
		first = v
	}
	if obj, ok := first.(*goja.Object); ok {
		return sb.request(obj.Get("url"), obj.Get("method"), obj.Get("headers"), obj.Get("body"), obj.Get("timeoutMs"))
	}
	return sb.request(first, call.Argument(1), call.Argument(2), call.Argument(3), call.Argument(4))
}

func (sb *Sandbox) request(url, method, headers, body, timeout goja.Value) (bridge.HTTPRequest, error) {
	req := bridge.HTTPRequest{URL: optString(url), Method: optString(method)}
	if req.URL == "" {
		return req, errors.New("httpRequest: url is required")
	}
	if h, ok := headers.(*goja.Object); ok {
		req.Headers = make(map[string]string)
		for _, k := range h.Keys() {
			req.Headers[k] = h.Get(k).String()
		}
	}
	if !isAbsent(body) {
		if _, ok := body.(*goja.Object); ok {
			s, err := sb.jsonStringify(goja.Undefined(), body)
			if err != nil {
				return req, fmt.Errorf("httpRequest: encode body: %w", err)
			}
			req.Body = optString(s)
		} else {
			req.Body = body.String()
		}
	}
	if !isAbsent(timeout) {
		if ms := timeout.ToInteger(); ms > 0 {
			req.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	return req, nil
}

func (sb *Sandbox) optional(fn func(string) (string, bool)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		v, ok := fn(call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return sb.vm.ToValue(v)
	}
}

func isAbsent(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

func optString(v goja.Value) string {
	if isAbsent(v) {
		return ""
	}
	return v.String()
}
