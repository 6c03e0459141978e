package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashOfData(t *testing.T) {
	// 键序无关：{a:1,b:2} 与 {b:2,a:1} 哈希一致
	h1 := HashOfData(map[string]string{"a": "1", "b": "2"})
	h2 := HashOfData(map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 40) // SHA-1 十六进制

	// 值不同哈希必须不同
	h3 := HashOfData(map[string]string{"a": "1", "b": "3"})
	assert.NotEqual(t, h1, h3)

	// 键值对不同哈希不同
	h4 := HashOfData(map[string]string{"a": "12", "b": "2"})
	assert.NotEqual(t, h1, h4)

	// 空映射有稳定哈希
	assert.Equal(t, HashOfData(map[string]string{}), HashOfData(nil))
}

func TestHashOfObject(t *testing.T) {
	h1 := HashOfObject(map[string]any{"a": 1, "b": true})
	h2 := HashOfObject(map[string]any{"b": true, "a": 1})
	assert.Equal(t, h1, h2)
}

func TestHashOfObjectNoChildren(t *testing.T) {
	// 嵌套对象在哈希前剔除
	withChild := map[string]any{
		"a":     "1",
		"child": map[string]any{"x": "y"},
	}
	withOtherChild := map[string]any{
		"a":     "1",
		"child": map[string]any{"x": "z"},
	}
	assert.Equal(t, HashOfObjectNoChildren(withChild), HashOfObjectNoChildren(withOtherChild))
	assert.Equal(t, HashOfObjectNoChildren(withChild), HashOfObject(map[string]any{"a": "1"}))
}
