package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandVariables(t *testing.T) {
	u := map[string]bool{}
	out, err := Expand("hello {{ .name }} from {{ $site.region }}",
		map[string]any{"name": "svc"},
		map[string]any{"site": map[string]any{"region": "eu"}},
		u)
	require.NoError(t, err)
	assert.Equal(t, "hello svc from eu", out)
	assert.Empty(t, u)
}

func TestExpandConditional(t *testing.T) {
	u := map[string]bool{}
	out, err := Expand("{{ if $site.prod }}P{{ else }}D{{ end }}-{{ .name }}",
		map[string]any{"name": "svc"},
		map[string]any{"site": map[string]any{"prod": true}},
		u)
	require.NoError(t, err)
	assert.Equal(t, "P-svc", out)
	assert.Empty(t, u)

	out, err = Expand("{{ if $site.prod }}P{{ else }}D{{ end }}",
		nil,
		map[string]any{"site": map[string]any{"prod": false}},
		map[string]bool{})
	require.NoError(t, err)
	assert.Equal(t, "D", out)
}

func TestExpandUnresolvable(t *testing.T) {
	// 不可解析路径渲染为 undefined 并记入集合
	u := map[string]bool{}
	out, err := Expand("{{ .missing }}", map[string]any{}, map[string]any{}, u)
	require.NoError(t, err)
	assert.Equal(t, "undefined", out)
	assert.True(t, u[".missing"])

	u = map[string]bool{}
	out, err = Expand("{{ $a.b.c }}", nil, map[string]any{"a": map[string]any{}}, u)
	require.NoError(t, err)
	assert.Equal(t, "undefined", out)
	assert.True(t, u["$a.b.c"])
}

func TestExpandWhitespaceTrim(t *testing.T) {
	out, err := Expand("a   {{- .x -}}   b", map[string]any{"x": "X"}, nil, map[string]bool{})
	require.NoError(t, err)
	assert.Equal(t, "aXb", out)
}

func TestExpandNestedIf(t *testing.T) {
	tmpl := "{{ if .a }}{{ if .b }}AB{{ else }}A{{ end }}{{ end }}"
	out, err := Expand(tmpl, map[string]any{"a": true, "b": false}, nil, map[string]bool{})
	require.NoError(t, err)
	assert.Equal(t, "A", out)
}

func TestExpandErrors(t *testing.T) {
	// end 没有匹配的 if 是硬错误
	_, err := Expand("{{ end }}", nil, nil, nil)
	assert.Error(t, err)

	// 未闭合的 if 是硬错误
	_, err = Expand("{{ if .x }}abc", map[string]any{"x": true}, nil, nil)
	assert.Error(t, err)

	// 未闭合的标签
	_, err = Expand("{{ .x ", nil, nil, nil)
	assert.Error(t, err)
}

func TestExpandManualSubstitutionLaw(t *testing.T) {
	// 所有引用变量都存在时，输出等于手工替换且 unresolvable 为空
	u := map[string]bool{}
	out, err := Expand("{{ .a }}-{{ .b }}-{{ $r.c }}",
		map[string]any{"a": "1", "b": "2"},
		map[string]any{"r": map[string]any{"c": "3"}},
		u)
	require.NoError(t, err)
	assert.Equal(t, "1-2-3", out)
	assert.Empty(t, u)
}
