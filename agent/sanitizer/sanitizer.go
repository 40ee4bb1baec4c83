// Package sanitizer 把任意配置文档裁剪为只含业务段的 ConfigDocument。
//
// 受保护段（log/inbounds/experimental）以及其他任何未知顶层字段都会被丢弃，
// 远端载荷因此无法改动日志、入站拓扑或实验特性。
package sanitizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/jsonc"

	"singbox-agent/agent/models"
)

// Sanitize 解析原始字节（允许注释与尾逗号）并裁剪为业务文档
func Sanitize(raw []byte) (*models.ConfigDocument, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: 文档为空", models.ErrPayload)
	}

	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(raw)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: JSON解析失败: %v", models.ErrPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: 文档后存在多余内容", models.ErrPayload)
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: 顶层必须是对象", models.ErrPayload)
	}
	return FromMap(obj)
}

// FromMap 从已解码的对象构建业务文档
func FromMap(obj map[string]any) (*models.ConfigDocument, error) {
	out := &models.ConfigDocument{
		DNS:       map[string]any{},
		Outbounds: []any{},
		Route:     map[string]any{},
		NTP:       map[string]any{},
	}

	if dropped := Dropped(obj); len(dropped) > 0 {
		logrus.WithField("dropped", dropped).Warn("⚠️ 载荷包含非业务字段，已丢弃")
	}

	var err error
	if out.DNS, err = section(obj, models.SectionDNS); err != nil {
		return nil, err
	}
	if out.Route, err = section(obj, models.SectionRoute); err != nil {
		return nil, err
	}
	if out.NTP, err = section(obj, models.SectionNTP); err != nil {
		return nil, err
	}

	switch v := obj[models.SectionOutbounds].(type) {
	case nil:
	case []any:
		out.Outbounds = pruneSlice(v)
	default:
		return nil, fmt.Errorf("%w: outbounds 必须是数组，实际为 %T", models.ErrPayload, v)
	}
	return out, nil
}

// Dropped 返回 obj 中会被丢弃的顶层字段（按名称排序）
func Dropped(obj map[string]any) []string {
	var dropped []string
	for key := range obj {
		if !slices.Contains(models.BusinessSections, key) {
			dropped = append(dropped, key)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// section 读取对象类型的业务段，缺失或 null 时返回空对象
func section(obj map[string]any, key string) (map[string]any, error) {
	switch v := obj[key].(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return pruneMap(v), nil
	default:
		return nil, fmt.Errorf("%w: %s 必须是对象，实际为 %T", models.ErrPayload, key, v)
	}
}

// pruneMap 递归删除值为 null 的字段
func pruneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		out[k] = prune(v)
	}
	return out
}

// pruneSlice 递归删除数组中的 null 元素
func pruneSlice(s []any) []any {
	out := make([]any, 0, len(s))
	for _, v := range s {
		if v == nil {
			continue
		}
		out = append(out, prune(v))
	}
	return out
}

func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return pruneMap(t)
	case []any:
		return pruneSlice(t)
	default:
		return v
	}
}
