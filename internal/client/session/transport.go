package session

import (
	"context"
	"io"
	"net/http"
)

type retriedKey struct{}

// expiredKey carries a *bool that the transport sets when a refresh fails.
type expiredKey struct{}

// transport attaches the token at send time and handles one refresh on 401.
type transport struct {
	m *Manager
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	sent := t.m.Token()
	resp, err := t.m.base.RoundTrip(withToken(req, sent))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if req.Context().Value(retriedKey{}) != nil {
		return resp, nil
	}

	newTok, rerr := t.m.renew(req.Context(), sent)
	if rerr != nil {
		t.m.expire(sent, rerr)
		if flag, ok := req.Context().Value(expiredKey{}).(*bool); ok {
			*flag = true
		}
		return resp, nil
	}

	retry, err := replay(req, newTok)
	if err != nil {
		return resp, nil
	}
	drain(resp)
	return t.m.base.RoundTrip(retry)
}

// withToken clones req with the Authorization header set to tok.
func withToken(req *http.Request, tok string) *http.Request {
	out := req.Clone(req.Context())
	if tok != "" {
		out.Header.Set("Authorization", tok)
	} else {
		out.Header.Del("Authorization")
	}
	return out
}

// replay rebuilds req for the second attempt, rewinding the body.
func replay(req *http.Request, tok string) (*http.Request, error) {
	ctx := context.WithValue(req.Context(), retriedKey{}, true)
	out := withToken(req.WithContext(ctx), tok)
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, errNoReplay
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	return out, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
