package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/pkg/resource"
)

func newJolokiaServer(t *testing.T, handle func(req jolokiaRequest) any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jolokiaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(handle(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJolokia_Resolve(t *testing.T) {
	srv := newJolokiaServer(t, func(req jolokiaRequest) any {
		assert.Equal(t, "search", req.Type)
		assert.Equal(t, "java.lang:type=MemoryPool,*", req.MBean)
		return map[string]any{
			"status": 200,
			"value": []string{
				"java.lang:type=MemoryPool,name=Metaspace",
				"java.lang:name=G1 Eden Space,type=MemoryPool",
			},
		}
	})

	j, err := NewJolokia(JolokiaConfig{URL: srv.URL})
	require.NoError(t, err)

	ids, err := j.Resolve(context.Background(), resource.MustParsePattern("java.lang:type=MemoryPool,*"))
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "java.lang:name=G1 Eden Space,type=MemoryPool", ids[0].Canonical())
}

func TestJolokia_AttributeNames(t *testing.T) {
	srv := newJolokiaServer(t, func(req jolokiaRequest) any {
		assert.Equal(t, "list", req.Type)
		assert.Equal(t, "java.lang/type=Memory", req.Path)
		return map[string]any{
			"status": 200,
			"value": map[string]any{
				"attr": map[string]any{
					"Verbose":         map[string]any{"type": "boolean"},
					"HeapMemoryUsage": map[string]any{"type": "javax.management.openmbean.CompositeData"},
				},
			},
		}
	})

	j, err := NewJolokia(JolokiaConfig{URL: srv.URL})
	require.NoError(t, err)

	names, err := j.AttributeNames(context.Background(), resource.MustParseIdentifier("java.lang:type=Memory"))
	require.NoError(t, err)
	assert.Equal(t, []string{"HeapMemoryUsage", "Verbose"}, names)
}

func TestJolokia_Attributes(t *testing.T) {
	srv := newJolokiaServer(t, func(req jolokiaRequest) any {
		assert.Equal(t, "read", req.Type)
		assert.Equal(t, []string{"HeapMemoryUsage", "ObjectPendingFinalizationCount"}, req.Attribute)
		return map[string]any{
			"status": 200,
			"value": map[string]any{
				"HeapMemoryUsage":                map[string]any{"used": 1024, "max": 4096},
				"ObjectPendingFinalizationCount": 0,
			},
		}
	})

	j, err := NewJolokia(JolokiaConfig{URL: srv.URL})
	require.NoError(t, err)

	snap, err := j.Attributes(context.Background(), resource.MustParseIdentifier("java.lang:type=Memory"),
		[]string{"HeapMemoryUsage", "ObjectPendingFinalizationCount"})
	require.NoError(t, err)

	heap := snap["HeapMemoryUsage"]
	require.Equal(t, resource.KindRecord, heap.Kind())
	assert.Equal(t, []string{"max", "used"}, heap.Record().Names())
	assert.Equal(t, "0", snap["ObjectPendingFinalizationCount"].String())
}

func TestJolokia_AttributesWithoutNamesSkipsRead(t *testing.T) {
	var calls atomic.Int32
	srv := newJolokiaServer(t, func(jolokiaRequest) any {
		calls.Add(1)
		return map[string]any{"status": 200, "value": map[string]any{"Secret": "x"}}
	})

	j, err := NewJolokia(JolokiaConfig{URL: srv.URL})
	require.NoError(t, err)

	snap, err := j.Attributes(context.Background(), resource.MustParseIdentifier("java.lang:type=Memory"), nil)
	require.NoError(t, err)
	assert.Empty(t, snap)
	assert.Equal(t, int32(0), calls.Load())
}

func TestJolokia_ResolveQuotedNames(t *testing.T) {
	srv := newJolokiaServer(t, func(jolokiaRequest) any {
		return map[string]any{
			"status": 200,
			"value": []string{
				`app:type=Connection,name="db:5432,primary"`,
				`app:type=Connection,name=cache`,
			},
		}
	})

	j, err := NewJolokia(JolokiaConfig{URL: srv.URL})
	require.NoError(t, err)

	ids, err := j.Resolve(context.Background(), resource.MustParsePattern("app:type=Connection,*"))
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, `app:name="db:5432,primary",type=Connection`, ids[0].Canonical())
	assert.Equal(t, `"db:5432,primary"`, ids[0].Properties()["name"])
}

func TestJolokia_NotFound(t *testing.T) {
	srv := newJolokiaServer(t, func(jolokiaRequest) any {
		return map[string]any{
			"status":     404,
			"error_type": "javax.management.InstanceNotFoundException",
			"error":      "java.lang:type=Gone",
		}
	})

	j, err := NewJolokia(JolokiaConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = j.Attributes(context.Background(), resource.MustParseIdentifier("java.lang:type=Gone"), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJolokia_SubscribeNotSupported(t *testing.T) {
	j, err := NewJolokia(JolokiaConfig{URL: "http://localhost:8778/jolokia"})
	require.NoError(t, err)

	_, err = j.Subscribe(context.Background(), resource.MustParseIdentifier("java.lang:type=Memory"), nil)
	assert.ErrorIs(t, err, ErrNotSupported)

	_, err = NewJolokia(JolokiaConfig{})
	assert.Error(t, err)
}

func TestValueFromJSON(t *testing.T) {
	ref := map[string]any{"objectName": "java.lang:type=Memory"}

	assert.Equal(t, resource.KindNull, ValueFromJSON(nil).Kind())
	assert.Equal(t, resource.KindScalar, ValueFromJSON(json.Number("3")).Kind())
	assert.Equal(t, resource.KindReference, ValueFromJSON(ref).Kind())
	assert.Equal(t, resource.KindReferenceList, ValueFromJSON([]any{ref, ref}).Kind())
	assert.Equal(t, resource.KindReferenceList, ValueFromJSON([]any{}).Kind())
	assert.Equal(t, resource.KindRecord, ValueFromJSON(map[string]any{"a": 1.0}).Kind())

	table := ValueFromJSON([]any{map[string]any{"a": 1.0}, map[string]any{"a": 2.0}})
	require.Equal(t, resource.KindTable, table.Kind())
	assert.Len(t, table.Table().Rows, 2)

	assert.Equal(t, resource.KindScalar, ValueFromJSON([]any{"x", "y"}).Kind())
}

func TestListPathEscaping(t *testing.T) {
	id := resource.MustParseIdentifier("app:type=a/b,name=x!y")
	assert.Equal(t, "app/name=x!!y,type=a!/b", listPath(id))
}
