package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dop251/goja"
)

const readChunkSize = 32 * 1024

// installHostOps binds the six host operations plus a minimal console/fetch
// surface as plain Go closures on the runtime. goja has no extension
// registration system analogous to the original engine's static extension
// list, so the host surface is installed directly via vm.Set, generalizing
// the teacher's createSandboxedVM technique from a handful of Math/JSON
// shims to the full operation set this sandbox needs.
func (sb *Sandbox) installHostOps() {
	vm := sb.vm

	vm.Set("__host_get_request", sb.opGetRequest)
	vm.Set("__host_get_request_id", sb.opGetRequestID)
	vm.Set("__host_set_response", sb.opSetResponse)
	vm.Set("__host_read_request_chunk", sb.opReadRequestChunk)
	vm.Set("__host_write_response_chunk", sb.opWriteResponseChunk)
	vm.Set("__host_tls_peer_certificate", sb.opTLSPeerCertificate)
	vm.Set("__host_fetch", sb.opFetch)
	vm.Set("__host_console_log", sb.opConsoleLog)
	vm.Set("__decode_chunks", sb.opDecodeChunks)
}

func (sb *Sandbox) opGetRequest() interface{} {
	req := sb.state.Req
	if req == nil {
		return nil
	}
	return map[string]interface{}{
		"method":  req.Method,
		"url":     req.URL,
		"headers": flattenHeaders(req.Headers),
	}
}

func (sb *Sandbox) opGetRequestID() string {
	return sb.state.RequestID
}

// opSetResponse applies the runtime headers, defaults/validates the status,
// then consumes the single-shot response-head channel. A second call
// returns ErrResponseAlreadySent, surfaced to JS as a thrown error.
func (sb *Sandbox) opSetResponse(raw map[string]interface{}) {
	head := &ResponseHead{Headers: map[string][]string{}}
	if v, ok := raw["status"]; ok {
		switch n := v.(type) {
		case int64:
			head.Status = int(n)
		case float64:
			head.Status = int(n)
		}
	}
	if hv, ok := raw["headers"].(map[string]interface{}); ok {
		for k, v := range hv {
			head.Headers[k] = []string{fmt.Sprintf("%v", v)}
		}
	}

	if err := DefaultAndValidate(head); err != nil {
		panic(sb.vm.ToValue(err.Error()))
	}
	ApplyRuntimeHeaders(head, sb.state.RequestID)

	if err := sb.state.setResponse(head); err != nil {
		panic(sb.vm.ToValue(err.Error()))
	}
}

// opReadRequestChunk awaits the next body chunk. An error chunk surfaces as
// a thrown JS error; EOF returns an empty ArrayBuffer.
func (sb *Sandbox) opReadRequestChunk() goja.Value {
	buf := make([]byte, readChunkSize)
	n, err := sb.state.IncomingBody.Read(buf)
	sb.addAllocated(n)
	if n > 0 {
		return sb.vm.ToValue(sb.vm.NewArrayBuffer(buf[:n]))
	}
	if err == io.EOF || err == nil {
		return sb.vm.ToValue(sb.vm.NewArrayBuffer(nil))
	}
	panic(sb.vm.ToValue(err.Error()))
}

// opWriteResponseChunk enqueues a buffer into the outgoing body stream,
// blocking (respecting backpressure) until the write lands or the context
// driving this request is done.
func (sb *Sandbox) opWriteResponseChunk(data goja.Value) {
	b := exportBytes(sb.vm, data)
	sb.addAllocated(len(b))
	if _, err := sb.state.OutgoingBody.Write(b); err != nil {
		panic(sb.vm.ToValue(err.Error()))
	}
}

// opTLSPeerCertificate always returns null; present only to satisfy the
// fetch TLS surface some user code may probe.
func (sb *Sandbox) opTLSPeerCertificate() interface{} {
	return nil
}

func (sb *Sandbox) opConsoleLog(args ...interface{}) {
	// Forwards to the sink set with SetConsoleSink (the worker that owns
	// this Sandbox wires it to its request-scoped logger); silent when no
	// sink is set.
	if sb.onConsoleLog != nil {
		sb.onConsoleLog(args)
	}
}

func (sb *Sandbox) opDecodeChunks(chunks []goja.Value) string {
	var out []byte
	for _, c := range chunks {
		out = append(out, exportBytes(sb.vm, c)...)
	}
	return string(out)
}

// opFetch performs a permission-checked outbound HTTP request on the
// user's behalf. Only called synchronously from the VM goroutine.
func (sb *Sandbox) opFetch(rawURL string, init map[string]interface{}) interface{} {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(sb.vm.ToValue(fmt.Sprintf("invalid URL: %v", err)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sb.policy.CheckNetURL(ctx, u); err != nil {
		panic(sb.vm.ToValue(err.Error()))
	}

	method := http.MethodGet
	if m, ok := init["method"].(string); ok && m != "" {
		method = m
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		panic(sb.vm.ToValue(err.Error()))
	}

	resp, err := sb.httpClient.Do(req)
	if err != nil {
		panic(sb.vm.ToValue(err.Error()))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		panic(sb.vm.ToValue(err.Error()))
	}

	return map[string]interface{}{
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
		"body":    string(body),
	}
}

func flattenHeaders(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func exportBytes(vm *goja.Runtime, v goja.Value) []byte {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if s, ok := v.Export().(string); ok {
		return []byte(s)
	}
	if ab, ok := v.Export().(goja.ArrayBuffer); ok {
		return ab.Bytes()
	}
	return []byte(v.String())
}
