package server

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/bryan-buckman/microsub/internal/model"
)

const maxChannelNameLength = 100

// Microsub actions.
const (
	actionChannels = "channels"
	actionTimeline = "timeline"
	actionFollow   = "follow"
	actionUnfollow = "unfollow"
	actionSearch   = "search"
	actionPreview  = "preview"
	actionEvents   = "events"
)

var validActions = []string{
	actionChannels, actionTimeline, actionFollow, actionUnfollow,
	actionSearch, actionPreview, actionEvents,
}

func validateAction(action string) error {
	if action == "" {
		return model.Invalid("Missing required parameter: action")
	}
	if !lo.Contains(validActions, action) {
		return model.Invalid("Invalid action: %s", action)
	}
	return nil
}

func validateChannel(channel string) error {
	if strings.TrimSpace(channel) == "" {
		return model.Invalid("Missing required parameter: channel")
	}
	return nil
}

func validateURL(raw, param string) error {
	if raw == "" {
		return model.Invalid("Missing required parameter: %s", param)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return model.Invalid("Invalid URL: %s", raw)
	}
	return nil
}

func validateEntries(entries []string) error {
	if len(entries) == 0 {
		return model.Invalid("Missing required parameter: entry")
	}
	return nil
}

func validateChannelName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Invalid("Missing required parameter: name")
	}
	if utf8.RuneCountInString(name) > maxChannelNameLength {
		return model.Invalid("Channel name must be %d characters or fewer", maxChannelNameLength)
	}
	return nil
}

// parseArrayParameter collects name, name[] and name[N] values. Indexed
// values keep their index order.
func parseArrayParameter(values url.Values, name string) []string {
	var out []string
	out = append(out, values[name]...)
	out = append(out, values[name+"[]"]...)

	type indexed struct {
		i int
		v []string
	}
	var numbered []indexed
	prefix := name + "["
	for key, vs := range values {
		if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, "]") {
			continue
		}
		n, err := strconv.Atoi(key[len(prefix) : len(key)-1])
		if err != nil {
			continue
		}
		numbered = append(numbered, indexed{n, vs})
	}
	sort.Slice(numbered, func(a, b int) bool { return numbered[a].i < numbered[b].i })
	for _, n := range numbered {
		out = append(out, n.v...)
	}

	return lo.Compact(lo.Map(out, func(v string, _ int) string { return strings.TrimSpace(v) }))
}

const maxBodySize = 1 << 20

// params merges the query string with a form or JSON request body.
func params(r *http.Request) (url.Values, error) {
	values := url.Values{}
	for k, v := range r.URL.Query() {
		values[k] = append(values[k], v...)
	}
	if r.Method != http.MethodPost || r.Body == nil {
		return values, nil
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/json":
		var body map[string]any
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil && err != io.EOF {
			return nil, model.Invalid("Invalid JSON body")
		}
		for k, v := range body {
			switch v := v.(type) {
			case []any:
				for _, e := range v {
					values.Add(k, fmt.Sprint(e))
				}
			case nil:
			default:
				values.Set(k, fmt.Sprint(v))
			}
		}
	case "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(nil, r.Body, maxBodySize)
		if err := r.ParseForm(); err != nil {
			return nil, model.Invalid("Invalid form body")
		}
		for k, v := range r.PostForm {
			values[k] = append(values[k], v...)
		}
	}
	return values, nil
}
