package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/yairfalse/vahti/pkg/resource"
)

// JolokiaConfig configures access to a Jolokia agent.
type JolokiaConfig struct {
	URL               string        // agent base URL, e.g. "http://app:8778/jolokia"
	User              string        // basic auth user (optional)
	Password          string        // basic auth password (optional)
	Timeout           time.Duration // per request timeout (default: 10s)
	RequestsPerSecond float64       // request rate ceiling (default: 20)
}

// Jolokia reads managed beans of a remote JVM through the Jolokia HTTP
// bridge. Notifications are not available over this transport.
type Jolokia struct {
	cfg     JolokiaConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewJolokia creates a Jolokia registry client.
func NewJolokia(cfg JolokiaConfig) (*Jolokia, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("jolokia: url is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &Jolokia{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
	}, nil
}

type jolokiaRequest struct {
	Type      string   `json:"type"`
	MBean     string   `json:"mbean,omitempty"`
	Attribute []string `json:"attribute,omitempty"`
	Path      string   `json:"path,omitempty"`
}

type jolokiaResponse struct {
	Status    int             `json:"status"`
	Value     json.RawMessage `json:"value"`
	Error     string          `json:"error"`
	ErrorType string          `json:"error_type"`
}

// Resolve implements Registry using a "search" request.
func (j *Jolokia) Resolve(ctx context.Context, p resource.Pattern) ([]resource.Identifier, error) {
	var names []string
	if err := j.call(ctx, jolokiaRequest{Type: "search", MBean: p.Canonical()}, &names); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", p, err)
	}

	ids := make([]resource.Identifier, 0, len(names))
	for _, n := range names {
		id, err := resource.ParseIdentifier(n)
		if err != nil {
			log.Warn().Err(err).Str("name", n).Msg("skipping unparseable bean name")
			continue
		}
		if p.Match(id) {
			ids = append(ids, id)
		}
	}
	resource.SortIdentifiers(ids)
	return ids, nil
}

// AttributeNames implements Registry using a "list" request.
func (j *Jolokia) AttributeNames(ctx context.Context, id resource.Identifier) ([]string, error) {
	var info struct {
		Attr map[string]json.RawMessage `json:"attr"`
	}
	if err := j.call(ctx, jolokiaRequest{Type: "list", Path: listPath(id)}, &info); err != nil {
		return nil, fmt.Errorf("list %s: %w", id, err)
	}

	names := make([]string, 0, len(info.Attr))
	for n := range info.Attr {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Attributes implements Registry using a "read" request.
// An empty names list yields an empty snapshot without a request.
func (j *Jolokia) Attributes(ctx context.Context, id resource.Identifier, names []string) (resource.Snapshot, error) {
	if len(names) == 0 {
		return resource.Snapshot{}, nil
	}

	var raw map[string]any
	req := jolokiaRequest{Type: "read", MBean: id.Canonical(), Attribute: names}
	if err := j.call(ctx, req, &raw); err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}

	snap := make(resource.Snapshot, len(raw))
	for n, v := range raw {
		snap[n] = ValueFromJSON(v)
	}
	return snap, nil
}

// Subscribe is not supported over Jolokia.
func (j *Jolokia) Subscribe(_ context.Context, id resource.Identifier, _ Handler) (Subscription, error) {
	return Subscription{}, fmt.Errorf("subscribe %s over jolokia: %w", id, ErrNotSupported)
}

// Unsubscribe is not supported over Jolokia.
func (j *Jolokia) Unsubscribe(sub Subscription) error {
	return fmt.Errorf("unsubscribe %s over jolokia: %w", sub.Resource, ErrNotSupported)
}

func (j *Jolokia) call(ctx context.Context, req jolokiaRequest, out any) error {
	if err := j.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if j.cfg.User != "" {
		httpReq.SetBasicAuth(j.cfg.User, j.cfg.Password)
	}

	resp, err := j.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jolokia http status %d", resp.StatusCode)
	}

	var jr jolokiaResponse
	if err := json.Unmarshal(data, &jr); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	switch {
	case jr.Status == http.StatusNotFound || jr.ErrorType == "javax.management.InstanceNotFoundException":
		return fmt.Errorf("%s: %w", jr.Error, ErrNotFound)
	case jr.Status != http.StatusOK:
		return fmt.Errorf("jolokia status %d: %s", jr.Status, jr.Error)
	}

	dec := json.NewDecoder(bytes.NewReader(jr.Value))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}

// listPath builds the "domain/props" path of a list request; '!' and '/'
// are escaped with '!'.
func listPath(id resource.Identifier) string {
	esc := strings.NewReplacer("!", "!!", "/", "!/")
	props := strings.TrimPrefix(id.Canonical(), id.Domain()+":")
	return esc.Replace(id.Domain()) + "/" + esc.Replace(props)
}

// ValueFromJSON converts a decoded Jolokia value into an attribute value.
// Objects of the form {"objectName": "..."} become references, other
// objects become records with sorted members, arrays of references become
// reference lists and arrays of objects become ordinal-keyed tables.
func ValueFromJSON(v any) resource.Value {
	switch x := v.(type) {
	case nil:
		return resource.Null()
	case map[string]any:
		if id, ok := objectNameRef(x); ok {
			return resource.Ref(id)
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		r := resource.NewRecord()
		for _, k := range keys {
			r.Set(k, ValueFromJSON(x[k]))
		}
		return resource.RecordOf(r)
	case []any:
		return arrayValue(x)
	default:
		return resource.Scalar(x)
	}
}

func arrayValue(items []any) resource.Value {
	if len(items) == 0 {
		return resource.RefList()
	}

	refs := make([]resource.Identifier, 0, len(items))
	rows := make([]*resource.Record, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return resource.Scalar(items)
		}
		if id, ok := objectNameRef(m); ok {
			refs = append(refs, id)
			continue
		}
		rows = append(rows, ValueFromJSON(m).Record())
	}

	switch {
	case len(refs) == len(items):
		return resource.RefList(refs...)
	case len(rows) == len(items):
		return resource.TableOf(resource.NewTable(nil, rows...))
	default:
		return resource.Scalar(items)
	}
}

func objectNameRef(m map[string]any) (resource.Identifier, bool) {
	if len(m) != 1 {
		return resource.Identifier{}, false
	}
	s, ok := m["objectName"].(string)
	if !ok {
		return resource.Identifier{}, false
	}
	id, err := resource.ParseIdentifier(s)
	if err != nil {
		return resource.Identifier{}, false
	}
	return id, true
}
