package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"van-backend/pkg/manifest"
	"van-backend/pkg/store"
	"van-backend/pkg/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// 库块体的 YAML 形态

type simpleTemplate struct {
	Template  string   `yaml:"template"`
	Affinity  string   `yaml:"affinity,omitempty"`
	Platforms []string `yaml:"platforms,omitempty"`
}

type simpleBody struct {
	Templates []simpleTemplate `yaml:"templates"`
}

type compositeChild struct {
	Block  string         `yaml:"block"`
	Config map[string]any `yaml:"config,omitempty"`
}

type compositeBinding struct {
	From string `yaml:"from"` // child.iface 或 super.iface
	To   string `yaml:"to"`
}

type compositeBody struct {
	Blocks   map[string]compositeChild `yaml:"blocks"`
	Bindings []compositeBinding        `yaml:"bindings"`
}

type ifaceDecl struct {
	Role        string `yaml:"role"`
	Polarity    string `yaml:"polarity"` // north / south
	MaxBindings int    `yaml:"maxBindings,omitempty"`
}

// BlockInterface 实例接口，极性与角色约束绑定配对
type BlockInterface struct {
	Name        string
	Role        string
	Polarity    string
	MaxBindings int // 0 表示 unlimited

	owner        *InstanceNode
	bindings     []*Binding
	boundThrough bool
	delegate     *BlockInterface // super 绑定的下沉目标
}

// canAcceptBinding 校验绑定预算
func (i *BlockInterface) canAcceptBinding() bool {
	return i.MaxBindings == 0 || len(i.bindings) < i.MaxBindings
}

// base 沿 super 委托链下行到基接口
func (i *BlockInterface) base() *BlockInterface {
	cur := i
	for cur.delegate != nil {
		cur = cur.delegate
	}
	return cur
}

// Binding 一对相反极性、同角色接口的配对
type Binding struct {
	ID    string
	Role  string
	North *BlockInterface
	South *BlockInterface
}

// InstanceNode 库块在应用内的实例
type InstanceNode struct {
	ID         string
	Path       string
	Library    *types.LibraryBlock
	TypeInfo   *types.BlockType
	Config     map[string]any
	Interfaces map[string]*BlockInterface
	Children   map[string]*InstanceNode

	composite      bool
	templates      []simpleTemplate
	AllocateToSite bool
	SiteClasses    []string
}

// BuiltApplication 构建结果
type BuiltApplication struct {
	Row       *types.Application
	Root      *InstanceNode
	Instances map[string]*InstanceNode // path 为键
	Bindings  []*Binding
	Warnings  []string
}

// appStateEntry 成员站点的应用状态条目
type appStateEntry struct {
	Hash string
	Data map[string]any
}

// ComposeService 应用编排引擎：库块图构建、极性绑定、
// 按成员站点展开模板
type ComposeService struct {
	store  store.Store
	logger zerolog.Logger

	mu sync.Mutex
	// 写后缓存：删除时失效，部署时重建
	cachedApplications map[string]*BuiltApplication
	// 成员站点的应用状态，桥接层 GET 回落到这里
	siteState map[string]map[string]appStateEntry
}

// NewComposeService 创建编排引擎
func NewComposeService(st store.Store, logger zerolog.Logger) *ComposeService {
	return &ComposeService{
		store:              st,
		logger:             logger.With().Str("service", "compose").Logger(),
		cachedApplications: make(map[string]*BuiltApplication),
		siteState:          make(map[string]map[string]appStateEntry),
	}
}

// Invalidate 应用删除时清缓存
func (s *ComposeService) Invalidate(appID string) {
	s.mu.Lock()
	delete(s.cachedApplications, appID)
	s.mu.Unlock()
}

// Build 自根块递归加载库并实例化，配对接口，记录未匹配告警
func (s *ComposeService) Build(appID string) (*BuiltApplication, error) {
	app, err := s.store.GetApplication(appID)
	if err != nil {
		return nil, err
	}

	built := &BuiltApplication{
		Row:       app,
		Instances: make(map[string]*InstanceNode),
	}
	var buildLog []string

	root, err := s.instantiate(built, app.RootBlock, "/", nil, &buildLog)
	if err != nil {
		buildLog = append(buildLog, err.Error())
		app.Lifecycle = types.AppBuildErrors
		app.BuildLog = strings.Join(buildLog, "\n")
		if saveErr := s.store.SaveApplication(app); saveErr != nil {
			return nil, saveErr
		}
		return nil, fmt.Errorf("building application %s: %w", appID, err)
	}
	built.Root = root

	// 未匹配接口记为告警；bound-through 的中间接口不计
	for _, inst := range built.Instances {
		for _, iface := range inst.Interfaces {
			if iface.boundThrough || len(iface.bindings) > 0 {
				continue
			}
			built.Warnings = append(built.Warnings,
				fmt.Sprintf("unmatched interface %s.%s", inst.Path, iface.Name))
		}
	}

	// 派生：独立分配且非组合的实例落到站点
	for _, inst := range built.Instances {
		if inst.TypeInfo.Allocation == "independent" && !inst.composite {
			inst.AllocateToSite = true
		}
	}

	// 持久化实例与绑定
	var rows []*types.InstanceBlock
	for _, inst := range built.Instances {
		classes, _ := json.Marshal(inst.SiteClasses)
		configYAML, _ := yaml.Marshal(inst.Config)
		rows = append(rows, &types.InstanceBlock{
			ID:             inst.ID,
			ApplicationID:  app.ID,
			Path:           inst.Path,
			LibraryBlockID: inst.Library.ID,
			ConfigYAML:     string(configYAML),
			AllocateToSite: inst.AllocateToSite,
			SiteClasses:    string(classes),
		})
	}
	var bindingRows []*types.BindingRecord
	for _, binding := range built.Bindings {
		bindingRows = append(bindingRows, &types.BindingRecord{
			ID:             binding.ID,
			ApplicationID:  app.ID,
			Role:           binding.Role,
			NorthInstance:  binding.North.owner.Path,
			NorthInterface: binding.North.Name,
			SouthInstance:  binding.South.owner.Path,
			SouthInterface: binding.South.Name,
		})
	}

	err = s.store.Transaction(func(tx store.Store) error {
		if err := tx.ReplaceInstanceBlocks(app.ID, rows, bindingRows); err != nil {
			return err
		}
		if len(built.Warnings) > 0 {
			app.Lifecycle = types.AppBuildWarnings
		} else {
			app.Lifecycle = types.AppBuilt
		}
		buildLog = append(buildLog, built.Warnings...)
		app.BuildLog = strings.Join(buildLog, "\n")
		return tx.SaveApplication(app)
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cachedApplications[app.ID] = built
	s.mu.Unlock()
	return built, nil
}

// instantiate 实例化一个库块；组合块递归实例化子块并处理内部绑定
func (s *ComposeService) instantiate(built *BuiltApplication, blockName, path string, overlay map[string]any, buildLog *[]string) (*InstanceNode, error) {
	lib, err := s.store.GetLibraryBlockByName(blockName)
	if err != nil {
		return nil, fmt.Errorf("library block %q: %w", blockName, err)
	}
	typeInfo, err := s.store.GetBlockType(lib.TypeName)
	if err != nil {
		return nil, fmt.Errorf("block type %q: %w", lib.TypeName, err)
	}

	config := map[string]any{}
	if lib.ConfigYAML != "" {
		if err := yaml.Unmarshal([]byte(lib.ConfigYAML), &config); err != nil {
			return nil, fmt.Errorf("block %q config: %w", blockName, err)
		}
	}
	for k, v := range overlay {
		config[k] = v
	}

	inst := &InstanceNode{
		ID:         uuid.NewString(),
		Path:       path,
		Library:    lib,
		TypeInfo:   typeInfo,
		Config:     config,
		Interfaces: make(map[string]*BlockInterface),
		Children:   make(map[string]*InstanceNode),
	}
	if classes, ok := config["siteClasses"].([]any); ok {
		for _, c := range classes {
			inst.SiteClasses = append(inst.SiteClasses, fmt.Sprintf("%v", c))
		}
	}

	// 声明的接口按极性约束实例化
	if lib.IfacesYAML != "" {
		decls := map[string]ifaceDecl{}
		if err := yaml.Unmarshal([]byte(lib.IfacesYAML), &decls); err != nil {
			return nil, fmt.Errorf("block %q interfaces: %w", blockName, err)
		}
		for name, decl := range decls {
			switch decl.Polarity {
			case "north":
				if !typeInfo.AllowNorth {
					return nil, fmt.Errorf("block type %q does not allow north interfaces", lib.TypeName)
				}
			case "south":
				if !typeInfo.AllowSouth {
					return nil, fmt.Errorf("block type %q does not allow south interfaces", lib.TypeName)
				}
			default:
				return nil, fmt.Errorf("interface %q has invalid polarity %q", name, decl.Polarity)
			}
			inst.Interfaces[name] = &BlockInterface{
				Name:        name,
				Role:        decl.Role,
				Polarity:    decl.Polarity,
				MaxBindings: decl.MaxBindings,
				owner:       inst,
			}
		}
	}

	built.Instances[path] = inst

	switch lib.Format {
	case "simple":
		var body simpleBody
		if err := yaml.Unmarshal([]byte(lib.BodyYAML), &body); err != nil {
			return nil, fmt.Errorf("block %q body: %w", blockName, err)
		}
		inst.templates = body.Templates

	case "composite":
		inst.composite = true
		var body compositeBody
		if err := yaml.Unmarshal([]byte(lib.BodyYAML), &body); err != nil {
			return nil, fmt.Errorf("block %q body: %w", blockName, err)
		}
		for childName, child := range body.Blocks {
			childPath := strings.TrimSuffix(path, "/") + "/" + childName
			node, err := s.instantiate(built, child.Block, childPath, child.Config, buildLog)
			if err != nil {
				return nil, err
			}
			inst.Children[childName] = node
		}
		for _, cb := range body.Bindings {
			if err := s.bindComposite(built, inst, cb); err != nil {
				return nil, err
			}
		}

	default:
		return nil, fmt.Errorf("block %q has unknown format %q", blockName, lib.Format)
	}

	return inst, nil
}

// resolveRef 解析 child.iface / super.iface 引用
func resolveRef(inst *InstanceNode, ref string) (*BlockInterface, error) {
	parts := strings.SplitN(ref, ".", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid interface reference %q", ref)
	}
	if parts[0] == "super" {
		iface, ok := inst.Interfaces[parts[1]]
		if !ok {
			return nil, fmt.Errorf("composite %s has no interface %q", inst.Path, parts[1])
		}
		return iface, nil
	}
	child, ok := inst.Children[parts[0]]
	if !ok {
		return nil, fmt.Errorf("composite %s has no child %q", inst.Path, parts[0])
	}
	iface, ok := child.Interfaces[parts[1]]
	if !ok {
		return nil, fmt.Errorf("child %s has no interface %q", child.Path, parts[1])
	}
	return iface, nil
}

// bindComposite 处理组合块内部绑定。
// 涉及 super 的绑定不在组合层产生绑定：只登记下沉委托，
// 并把中间接口标记为 bound-through，避免误报未匹配
func (s *ComposeService) bindComposite(built *BuiltApplication, inst *InstanceNode, cb compositeBinding) error {
	from, err := resolveRef(inst, cb.From)
	if err != nil {
		return err
	}
	to, err := resolveRef(inst, cb.To)
	if err != nil {
		return err
	}

	fromSuper := strings.HasPrefix(cb.From, "super.")
	toSuper := strings.HasPrefix(cb.To, "super.")
	if fromSuper || toSuper {
		super, child := from, to
		if toSuper {
			super, child = to, from
		}
		super.delegate = child.base()
		super.boundThrough = true
		return nil
	}

	return s.pair(built, from, to)
}

// pair 极性与角色校验后建立绑定
func (s *ComposeService) pair(built *BuiltApplication, a, b *BlockInterface) error {
	a, b = a.base(), b.base()
	if a.Role != b.Role {
		return fmt.Errorf("binding role mismatch: %s(%s) vs %s(%s)", a.Name, a.Role, b.Name, b.Role)
	}
	if a.Polarity == b.Polarity {
		return fmt.Errorf("binding polarity conflict on role %s", a.Role)
	}
	if !a.canAcceptBinding() || !b.canAcceptBinding() {
		return fmt.Errorf("binding budget exceeded on role %s", a.Role)
	}

	north, south := a, b
	if b.Polarity == "north" {
		north, south = b, a
	}
	binding := &Binding{ID: uuid.NewString(), Role: a.Role, North: north, South: south}
	north.bindings = append(north.bindings, binding)
	south.bindings = append(south.bindings, binding)
	built.Bindings = append(built.Bindings, binding)
	return nil
}

// cachedOrBuild 取缓存的构建结果，缺失时重建
func (s *ComposeService) cachedOrBuild(appID string) (*BuiltApplication, error) {
	s.mu.Lock()
	built, ok := s.cachedApplications[appID]
	s.mu.Unlock()
	if ok {
		return built, nil
	}
	return s.Build(appID)
}

// Deploy 将应用展开到 VAN 的每个匹配成员站点，
// 每站点拼接一份 YAML 存入 SiteData
func (s *ComposeService) Deploy(appID, vanID string) error {
	built, err := s.cachedOrBuild(appID)
	if err != nil {
		return err
	}

	members, err := s.store.ListMemberSites(vanID)
	if err != nil {
		return err
	}

	deployed := &types.DeployedApplication{
		ID:                   uuid.NewString(),
		ApplicationID:        appID,
		ApplicationNetworkID: vanID,
		CreatedAt:            time.Now(),
	}

	var deployLog []string
	var records []*types.SiteDataRecord
	for _, member := range members {
		doc, stateKeys, errs := s.expandForMember(built, member)
		deployLog = append(deployLog, errs...)
		if doc == "" {
			continue
		}
		records = append(records, &types.SiteDataRecord{
			ID:                    uuid.NewString(),
			MemberSiteID:          member.ID,
			DeployedApplicationID: deployed.ID,
			DataYAML:              doc,
		})
		s.mu.Lock()
		s.siteState[member.ID] = stateKeys
		s.mu.Unlock()
	}

	return s.store.Transaction(func(tx store.Store) error {
		if err := tx.CreateDeployedApplication(deployed); err != nil {
			return err
		}
		if err := tx.ReplaceSiteData(deployed.ID, records); err != nil {
			return err
		}
		app, err := tx.GetApplication(appID)
		if err != nil {
			return err
		}
		if len(deployLog) > 0 {
			app.Lifecycle = types.AppDeployErrors
			app.DeployLog = strings.Join(deployLog, "\n")
		} else {
			app.Lifecycle = types.AppDeployed
		}
		return tx.SaveApplication(app)
	})
}

// expandForMember 展开匹配该成员类别的所有实例模板
func (s *ComposeService) expandForMember(built *BuiltApplication, member *types.MemberSite) (string, map[string]appStateEntry, []string) {
	classes := parseStringList(member.SiteClasses)
	metadata := parseStringMap(member.Metadata)

	stateKeys := make(map[string]appStateEntry)
	var docs []string
	var errs []string

	for _, inst := range built.Instances {
		if !inst.AllocateToSite || !classesIntersect(inst.SiteClasses, classes) {
			continue
		}

		// localConfig：库默认值 ⊕ 实例配置 ⊕ 站点元数据
		local := map[string]any{}
		for k, v := range inst.Config {
			local[k] = v
		}
		for k, v := range metadata {
			local[k] = v
		}

		remote := s.remoteScope(inst, metadata)

		var rendered []string
		for _, tpl := range inst.templates {
			if len(tpl.Platforms) > 0 && !containsString(tpl.Platforms, metadata["platform"]) {
				continue
			}
			if tpl.Affinity != "" {
				s.applyAffinity(inst, tpl.Affinity, remote)
			}
			unresolvable := map[string]bool{}
			out, err := manifest.Expand(tpl.Template, local, remote, unresolvable)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", inst.Path, err))
				continue
			}
			for path := range unresolvable {
				errs = append(errs, fmt.Sprintf("%s: unresolvable %s", inst.Path, path))
			}
			rendered = append(rendered, out)
		}
		if len(rendered) == 0 {
			continue
		}
		doc := manifest.ConcatDocuments(rendered)
		docs = append(docs, doc)

		// 应用状态哈希：component-<实例> 与 iface-<角色>-<绑定>
		compData := map[string]any{"config": doc}
		stateKeys[types.StateKeyComponent+inst.ID] = appStateEntry{
			Hash: manifest.HashOfData(map[string]string{"config": doc}),
			Data: compData,
		}
		for _, iface := range inst.Interfaces {
			for _, binding := range iface.bindings {
				key := types.StateKeyInterface + binding.Role + "-" + binding.ID
				data := map[string]any{
					"role":  binding.Role,
					"north": binding.North.owner.Path,
					"south": binding.South.owner.Path,
				}
				stateKeys[key] = appStateEntry{Hash: manifest.HashOfObject(data), Data: data}
			}
		}
	}

	if len(docs) == 0 {
		return "", nil, errs
	}
	return manifest.ConcatDocuments(docs), stateKeys, errs
}

// remoteScope 组装远端作用域：对端接口/块与站点元数据
func (s *ComposeService) remoteScope(inst *InstanceNode, metadata map[string]any) map[string]any {
	remote := map[string]any{
		"site": map[string]any{"metadata": metadata},
	}

	// 实例恰好一条绑定时暴露 peerif / peerblock
	var peers []*BlockInterface
	for _, iface := range inst.Interfaces {
		for _, binding := range iface.bindings {
			peer := binding.North
			if peer.owner == inst {
				peer = binding.South
			}
			peers = append(peers, peer)
		}
	}
	if len(peers) == 1 {
		remote["peerif"] = map[string]any{"name": peers[0].Name, "role": peers[0].Role}
		remote["peerblock"] = map[string]any{
			"path":   peers[0].owner.Path,
			"config": peers[0].owner.Config,
		}
	}
	return remote
}

// applyAffinity 亲和接口恰好一条绑定时暴露 affif / affblock
func (s *ComposeService) applyAffinity(inst *InstanceNode, affinity string, remote map[string]any) {
	iface, ok := inst.Interfaces[affinity]
	if !ok || len(iface.bindings) != 1 {
		return
	}
	binding := iface.bindings[0]
	peer := binding.North
	if peer.owner == inst {
		peer = binding.South
	}
	remote["affif"] = map[string]any{"name": peer.Name, "role": peer.Role}
	remote["affblock"] = map[string]any{
		"path":   peer.owner.Path,
		"config": peer.owner.Config,
	}
}

// AppStateHashes 成员站点的应用状态清单，并入同步引擎的本地清单
func (s *ComposeService) AppStateHashes(memberID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for key, entry := range s.siteState[memberID] {
		out[key] = entry.Hash
	}
	return out
}

// AppStateGet 桥接层未知状态键的回落查询
func (s *ComposeService) AppStateGet(memberID, key string) (string, map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.siteState[memberID][key]
	if !ok {
		return "", nil, fmt.Errorf("unknown state key %q", key)
	}
	return entry.Hash, entry.Data, nil
}

// ---- 小工具 ----

func parseStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func parseStringMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func classesIntersect(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, v any) bool {
	s, _ := v.(string)
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
