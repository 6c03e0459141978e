package manifest

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
)

// HashOfData 计算映射的稳定哈希：键按字典序升序，
// 依次拼接 key||value 后取 SHA-1 十六进制
func HashOfData(data map[string]string) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha1.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte(data[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashOfObject 计算任意标量值映射的稳定哈希
func HashOfObject(obj map[string]any) string {
	flat := make(map[string]string, len(obj))
	for k, v := range obj {
		flat[k] = scalarString(v)
	}
	return HashOfData(flat)
}

// HashOfObjectNoChildren 在哈希前剔除嵌套对象值
func HashOfObjectNoChildren(obj map[string]any) string {
	flat := make(map[string]string, len(obj))
	for k, v := range obj {
		switch v.(type) {
		case map[string]any, map[string]string, []any:
			continue
		default:
			flat[k] = scalarString(v)
		}
	}
	return HashOfData(flat)
}

func scalarString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
