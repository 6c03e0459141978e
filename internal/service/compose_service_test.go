package service

import (
	"testing"
	"time"

	"van-backend/pkg/store"
	"van-backend/pkg/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkLibraryBlock(t *testing.T, st store.Store, name, typeName, format, body, ifaces, config string) *types.LibraryBlock {
	lb := &types.LibraryBlock{
		ID:         uuid.NewString(),
		Name:       name,
		Revision:   1,
		TypeName:   typeName,
		Format:     format,
		BodyYAML:   body,
		IfacesYAML: ifaces,
		ConfigYAML: config,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, st.CreateLibraryBlock(lb))
	return lb
}

// 最小库：component 北向接口绑定 mixed 南向接口
func seedLibrary(t *testing.T, st store.Store) {
	mkLibraryBlock(t, st, "backend", "component", "simple",
		"templates:\n  - template: \"name: {{ .name }}\\n\"\n",
		"offer:\n  role: db\n  polarity: north\n",
		"name: svc\nsiteClasses:\n  - backend\n")

	mkLibraryBlock(t, st, "proxy", "mixed", "simple",
		"templates:\n  - template: \"proxy-for: {{ $peerblock.path }}\\n\"\n",
		"need:\n  role: db\n  polarity: south\n  maxBindings: 1\n",
		"siteClasses:\n  - frontend\n")

	mkLibraryBlock(t, st, "app", "toplevel", "composite",
		"blocks:\n  svc:\n    block: backend\n  edge:\n    block: proxy\nbindings:\n  - from: svc.offer\n    to: edge.need\n",
		"", "")
}

func mkApplication(t *testing.T, st store.Store, rootBlock string) *types.Application {
	app := &types.Application{
		ID:        uuid.NewString(),
		Name:      "app-" + uuid.NewString()[:8],
		RootBlock: rootBlock,
		Lifecycle: types.AppCreated,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateApplication(app))
	return app
}

func TestBuildApplication(t *testing.T) {
	st := newTestStore(t)
	seedLibrary(t, st)
	compose := NewComposeService(st, zerolog.Nop())

	app := mkApplication(t, st, "app")
	built, err := compose.Build(app.ID)
	require.NoError(t, err)

	// 根 + 两个子实例
	assert.Len(t, built.Instances, 3)
	require.Len(t, built.Bindings, 1)
	binding := built.Bindings[0]
	assert.Equal(t, "db", binding.Role)
	assert.Equal(t, "/svc", binding.North.owner.Path)
	assert.Equal(t, "/edge", binding.South.owner.Path)

	// 派生：独立分配且非组合的实例落站点
	assert.True(t, built.Instances["/svc"].AllocateToSite)
	assert.True(t, built.Instances["/edge"].AllocateToSite)
	assert.False(t, built.Instances["/"].AllocateToSite)

	// 实例与绑定已持久化
	rows, err := st.ListInstanceBlocks(app.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	appRow, err := st.GetApplication(app.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AppBuilt, appRow.Lifecycle)
}

func TestBuildPolarityViolation(t *testing.T) {
	st := newTestStore(t)
	compose := NewComposeService(st, zerolog.Nop())

	// component 不允许南向接口
	mkLibraryBlock(t, st, "bad", "component", "simple",
		"templates: []\n",
		"in:\n  role: db\n  polarity: south\n",
		"")
	app := mkApplication(t, st, "bad")

	_, err := compose.Build(app.ID)
	assert.Error(t, err)

	appRow, err := st.GetApplication(app.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AppBuildErrors, appRow.Lifecycle)
	assert.NotEmpty(t, appRow.BuildLog)
}

func TestBuildUnmatchedInterfaceWarning(t *testing.T) {
	st := newTestStore(t)
	compose := NewComposeService(st, zerolog.Nop())

	mkLibraryBlock(t, st, "lonely", "component", "simple",
		"templates: []\n",
		"offer:\n  role: db\n  polarity: north\n",
		"")
	app := mkApplication(t, st, "lonely")

	built, err := compose.Build(app.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, built.Warnings)

	appRow, err := st.GetApplication(app.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AppBuildWarnings, appRow.Lifecycle)
}

func TestDeployToEmptyVan(t *testing.T) {
	st := newTestStore(t)
	seedLibrary(t, st)
	compose := NewComposeService(st, zerolog.Nop())

	bb := mkBackbone(t, st, types.LifecycleReady)
	van := mkNetwork(t, st, bb.ID, types.LifecycleReady)
	app := mkApplication(t, st, "app")
	_, err := compose.Build(app.ID)
	require.NoError(t, err)

	// 空 VAN 部署产生空 SiteData 集
	require.NoError(t, compose.Deploy(app.ID, van.ID))
	records, err := st.ListSiteData("")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDeployToMatchingMember(t *testing.T) {
	st := newTestStore(t)
	seedLibrary(t, st)
	compose := NewComposeService(st, zerolog.Nop())

	bb := mkBackbone(t, st, types.LifecycleReady)
	van := mkNetwork(t, st, bb.ID, types.LifecycleReady)
	app := mkApplication(t, st, "app")
	_, err := compose.Build(app.ID)
	require.NoError(t, err)

	member := &types.MemberSite{
		ID:                   uuid.NewString(),
		Name:                 "m-1",
		ApplicationNetworkID: van.ID,
		MemberInvitationID:   "inv-x",
		Lifecycle:            types.LifecycleReady,
		SiteClasses:          `["backend"]`,
		CreatedAt:            time.Now(),
	}
	require.NoError(t, st.CreateMemberSite(member))

	require.NoError(t, compose.Deploy(app.ID, van.ID))

	// 类别匹配一个已分配块 → 恰好一份 YAML 文档
	records, err := st.ListSiteData(member.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].DataYAML, "name: svc")

	// 应用状态哈希可供桥接层并入成员清单
	hashes := compose.AppStateHashes(member.ID)
	assert.NotEmpty(t, hashes)
	for key, hash := range hashes {
		gotHash, data, err := compose.AppStateGet(member.ID, key)
		require.NoError(t, err)
		assert.Equal(t, hash, gotHash)
		assert.NotNil(t, data)
	}

	appRow, err := st.GetApplication(app.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AppDeployed, appRow.Lifecycle)
}
