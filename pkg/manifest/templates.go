package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"van-backend/pkg/types"

	"gopkg.in/yaml.v3"
)

// 站点资源模板：纯函数生成确定性 YAML 文档
// yaml.v3 对 map 按键排序编码，同一输入得到同一字节序列

const (
	routerImage    = "quay.io/skupper/skupper-router:main"
	dataplaneImage = "quay.io/skupper/dataplane:main"
)

// RouterMode 路由器运行模式
const (
	RouterModeInterior = "interior"
	RouterModeEdge     = "edge"
)

func marshalDoc(doc map[string]any) (string, error) {
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshaling manifest: %w", err)
	}
	return string(out), nil
}

func metadata(name string, annotations map[string]string) map[string]any {
	md := map[string]any{"name": name}
	if len(annotations) > 0 {
		ann := map[string]any{}
		for k, v := range annotations {
			ann[k] = v
		}
		md["annotations"] = ann
	}
	return md
}

// ServiceAccountYAML 站点服务账号
func ServiceAccountYAML(siteName string) (string, error) {
	return marshalDoc(map[string]any{
		"apiVersion": "v1",
		"kind":       "ServiceAccount",
		"metadata":   metadata("skx-site", nil),
	})
}

// RoleYAML 站点角色，骨干站点比成员站点多出 secrets 写权限
func RoleYAML(interior bool) (string, error) {
	rules := []any{
		map[string]any{
			"apiGroups": []any{""},
			"resources": []any{"configmaps", "pods"},
			"verbs":     []any{"get", "list", "watch"},
		},
	}
	if interior {
		rules = append(rules, map[string]any{
			"apiGroups": []any{""},
			"resources": []any{"secrets"},
			"verbs":     []any{"get", "list", "watch", "create", "update", "delete"},
		})
	} else {
		rules = append(rules, map[string]any{
			"apiGroups": []any{""},
			"resources": []any{"secrets"},
			"verbs":     []any{"get", "list", "watch"},
		})
	}
	return marshalDoc(map[string]any{
		"apiVersion": "rbac.authorization.k8s.io/v1",
		"kind":       "Role",
		"metadata":   metadata("skx-site", nil),
		"rules":      rules,
	})
}

// RoleBindingYAML 角色绑定
func RoleBindingYAML(siteName string) (string, error) {
	return marshalDoc(map[string]any{
		"apiVersion": "rbac.authorization.k8s.io/v1",
		"kind":       "RoleBinding",
		"metadata":   metadata("skx-site", nil),
		"roleRef": map[string]any{
			"apiGroup": "rbac.authorization.k8s.io",
			"kind":     "Role",
			"name":     "skx-site",
		},
		"subjects": []any{
			map[string]any{"kind": "ServiceAccount", "name": "skx-site"},
		},
	})
}

// RouterConfigMapYAML 路由器配置，mode 为 interior 或 edge
func RouterConfigMapYAML(siteID, mode, networkID, tenantID string) (string, error) {
	routerConfig := map[string]any{
		"router": map[string]any{
			"id":   siteID,
			"mode": mode,
		},
	}
	if networkID != "" {
		routerConfig["networkId"] = networkID
	}
	if tenantID != "" {
		routerConfig["tenantId"] = tenantID
	}
	routerJSON, err := json.Marshal(routerConfig)
	if err != nil {
		return "", fmt.Errorf("marshaling router config: %w", err)
	}
	return marshalDoc(map[string]any{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata":   metadata("skx-router", nil),
		"data": map[string]any{
			"router.json": string(routerJSON),
		},
	})
}

// DeploymentYAML 站点部署，dataplane 容器按平台可选
func DeploymentYAML(siteName, platform string) (string, error) {
	containers := []any{
		map[string]any{
			"name":  "router",
			"image": routerImage,
			"volumeMounts": []any{
				map[string]any{"name": "router-config", "mountPath": "/etc/skx-router"},
			},
		},
	}
	// kube 平台带独立 dataplane 容器
	if platform == "kube" {
		containers = append(containers, map[string]any{
			"name":  "dataplane",
			"image": dataplaneImage,
		})
	}
	return marshalDoc(map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   metadata("skx-site-"+siteName, nil),
		"spec": map[string]any{
			"replicas": 1,
			"selector": map[string]any{
				"matchLabels": map[string]any{"app": "skx-site-" + siteName},
			},
			"template": map[string]any{
				"metadata": map[string]any{
					"labels": map[string]any{"app": "skx-site-" + siteName},
				},
				"spec": map[string]any{
					"serviceAccountName": "skx-site",
					"containers":         containers,
					"volumes": []any{
						map[string]any{
							"name":      "router-config",
							"configMap": map[string]any{"name": "skx-router"},
						},
					},
				},
			},
		},
	})
}

// SiteServiceYAML 站点 API 服务，仅 kube 平台
func SiteServiceYAML(siteName string) (string, error) {
	return marshalDoc(map[string]any{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata":   metadata("skx-site-api", nil),
		"spec": map[string]any{
			"selector": map[string]any{"app": "skx-site-" + siteName},
			"ports": []any{
				map[string]any{"name": "site-api", "port": 8080, "targetPort": 8080},
			},
		},
	})
}

// SecretYAML 带状态注解的凭证
func SecretYAML(name string, data map[string]string, annotations map[string]string) (string, error) {
	d := map[string]any{}
	for k, v := range data {
		d[k] = v
	}
	return marshalDoc(map[string]any{
		"apiVersion": "v1",
		"kind":       "Secret",
		"metadata":   metadata(name, annotations),
		"type":       "kubernetes.io/tls",
		"data":       d,
	})
}

// SiteSecretYAML 站点客户端凭证，注解携带状态键与哈希
func SiteSecretYAML(siteID string, data map[string]string) (string, error) {
	key := types.StateKeyTlsSite + siteID
	return SecretYAML("skx-site-client", data, map[string]string{
		types.AnnotationStateKey:  key,
		types.AnnotationStateHash: HashOfData(data),
		types.AnnotationStateDir:  types.StateDirRemote,
		types.AnnotationTlsInject: types.TlsInjectSite,
	})
}

// AccessPointSecretYAML 接入点服务端凭证
func AccessPointSecretYAML(apID string, data map[string]string) (string, error) {
	key := types.StateKeyTlsServer + apID
	return SecretYAML("skx-access-"+apID, data, map[string]string{
		types.AnnotationStateKey:  key,
		types.AnnotationStateHash: HashOfData(data),
		types.AnnotationStateDir:  types.StateDirRemote,
		types.AnnotationTlsInject: types.TlsInjectAccessPoint,
	})
}

// LinkConfigMapYAML 出向连接配置
func LinkConfigMapYAML(linkID, host, port, cost string) (string, error) {
	data := map[string]string{"host": host, "port": port, "cost": cost}
	return marshalDoc(map[string]any{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata": metadata("skx-link-"+linkID, map[string]string{
			types.AnnotationStateKey:  types.StateKeyLink + linkID,
			types.AnnotationStateHash: HashOfData(data),
			types.AnnotationStateType: types.StateTypeLink,
			types.AnnotationStateID:   linkID,
		}),
		"data": map[string]any{"host": host, "port": port, "cost": cost},
	})
}

// AccessPointConfigMapYAML 接入点配置
func AccessPointConfigMapYAML(apID, kind, bindHost string) (string, error) {
	data := map[string]string{"kind": kind}
	if bindHost != "" {
		data["bindhost"] = bindHost
	}
	doc := map[string]any{"kind": kind}
	if bindHost != "" {
		doc["bindhost"] = bindHost
	}
	return marshalDoc(map[string]any{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata": metadata("skx-access-"+apID, map[string]string{
			types.AnnotationStateKey:  types.StateKeyAccess + apID,
			types.AnnotationStateHash: HashOfData(data),
			types.AnnotationStateType: types.StateTypeAccessPoint,
			types.AnnotationStateID:   apID,
		}),
		"data": doc,
	})
}

// ConcatDocuments 以 --- 分隔拼接 YAML 文档
func ConcatDocuments(docs []string) string {
	var sb strings.Builder
	for i, doc := range docs {
		if i > 0 {
			sb.WriteString("---\n")
		}
		sb.WriteString(doc)
		if !strings.HasSuffix(doc, "\n") {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
