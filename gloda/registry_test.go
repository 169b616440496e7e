// SPDX-License-Identifier: GPL-3.0-or-later
package gloda

import (
	"fmt"
	"sync"
	"testing"

	"github.com/vivithecanine/gloda/datastore"
	"github.com/vivithecanine/gloda/domain"
	"github.com/vivithecanine/gloda/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefineAttributeAllocatesStableIDs(t *testing.T) {
	log.InitLogging("error")
	ds, err := datastore.NewDatastore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	reg := NewRegistry(ds)
	require.NoError(t, reg.Init())
	fundattr := NewFundamentalAttr(reg, ds)
	require.NoError(t, fundattr.DefineAttributes())

	subjectDef, ok := reg.GetAttrDef(domain.BuiltIn, "subject")
	require.True(t, ok)
	assert.NotZero(t, subjectDef.ID)
	assert.True(t, subjectDef.Bound())

	resolved, ok := reg.AttrByID(subjectDef.ID)
	require.True(t, ok)
	assert.Same(t, subjectDef, resolved)

	// A second engine startup on the same store loads the defs unbound and
	// binds them in place with the same IDs. No duplicate rows appear.
	reg2 := NewRegistry(ds)
	require.NoError(t, reg2.Init())

	loaded, ok := reg2.GetAttrDef(domain.BuiltIn, "subject")
	require.True(t, ok)
	assert.False(t, loaded.Bound())
	assert.Equal(t, subjectDef.ID, loaded.ID)

	fundattr2 := NewFundamentalAttr(reg2, ds)
	require.NoError(t, fundattr2.DefineAttributes())

	rebound, ok := reg2.GetAttrDef(domain.BuiltIn, "subject")
	require.True(t, ok)
	assert.Same(t, loaded, rebound)
	assert.True(t, rebound.Bound())
	assert.Equal(t, subjectDef.ID, rebound.ID)

	defs, err := ds.GetAllAttributes()
	assert.NoError(t, err)
	names := map[string]int{}
	for _, def := range defs {
		names[def.Name]++
	}
	assert.Equal(t, 1, names["subject"])
}

func TestDefineAttributeRedefinition(t *testing.T) {
	e := setupEngine(t)

	provider := &stubProvider{name: "stub"}
	spec := AttributeSpec{
		Provider:    provider,
		Type:        domain.AttrDerived,
		PluginName:  "stub",
		Name:        "custom",
		Cardinality: domain.Singular,
		SubjectNoun: domain.NounMessage,
		ObjectNoun:  domain.NounString,
		BindName:    "custom",
	}

	def, err := e.reg.DefineAttribute(spec)
	require.NoError(t, err)

	// Identical re-definition hands back the same def.
	again, err := e.reg.DefineAttribute(spec)
	assert.NoError(t, err)
	assert.Same(t, def, again)

	// Conflicting typing under the same compound name fails loudly.
	conflicting := spec
	conflicting.Cardinality = domain.Multiple
	_, err = e.reg.DefineAttribute(conflicting)
	assert.ErrorContains(t, err, "conflicting definition")

	otherProvider := &stubProvider{name: "other"}
	stolen := spec
	stolen.Provider = otherProvider
	_, err = e.reg.DefineAttribute(stolen)
	assert.ErrorContains(t, err, "conflicting definition")
}

func TestDefineAttributeRejectsUnknownNoun(t *testing.T) {
	e := setupEngine(t)

	_, err := e.reg.DefineAttribute(AttributeSpec{
		Provider:    &stubProvider{name: "stub"},
		Type:        domain.AttrDerived,
		PluginName:  "stub",
		Name:        "bogus",
		Cardinality: domain.Singular,
		SubjectNoun: domain.NounMessage,
		ObjectNoun:  domain.NounID(999),
	})
	assert.ErrorContains(t, err, "not registered")

	_, err = e.reg.DefineAttribute(AttributeSpec{
		Type:       domain.AttrDerived,
		PluginName: "stub",
		Name:       "orphan",
	})
	assert.ErrorContains(t, err, "needs a provider")
}

func TestProviderOrder(t *testing.T) {
	e := setupEngine(t)

	providers := e.reg.Providers()
	require.Len(t, providers, 2)
	assert.Equal(t, "fundattr", providers[0].Name())
	assert.Equal(t, "explattr", providers[1].Name())
}

func TestAccessUnknownBindingFails(t *testing.T) {
	e := setupEngine(t)

	msg, err := e.ix.IndexMessage(header("root@made.up.invalid", nil, 1), nil)
	require.NoError(t, err)

	_, err = e.reg.Access(msg, "nonsense")
	assert.ErrorContains(t, err, `no attribute bound as "nonsense"`)
}

func TestAccessMemoizes(t *testing.T) {
	e := setupEngine(t)

	msg, err := e.ix.IndexMessage(header("root@made.up.invalid", nil, 1), nil)
	require.NoError(t, err)

	// Indexing warms the cache with the live values.
	cached, ok := msg.CachedAttr("subject")
	require.True(t, ok)
	assert.Equal(t, "Got a deal for you", cached)

	// A dropped cache reloads from the store on the next access.
	msg.DropAttrCache()
	_, ok = msg.CachedAttr("subject")
	require.False(t, ok)

	subject, err := e.reg.Access(msg, "subject")
	assert.NoError(t, err)
	assert.Equal(t, "Got a deal for you", subject)

	cached, ok = msg.CachedAttr("subject")
	require.True(t, ok)
	assert.Equal(t, "Got a deal for you", cached)
}

func TestBindParameterConcurrentWithRegistry(t *testing.T) {
	e := setupEngine(t)

	tagDef, ok := e.reg.GetAttrDef(domain.BuiltIn, "tag")
	require.True(t, ok)

	// Parameter allocation reaches back into the registry; it must not
	// hold the def's own lock while doing so, or concurrent registry use
	// can deadlock. Bind a batch of parameters while the registry is read
	// from other goroutines.
	var wg sync.WaitGroup
	ids := make([]int64, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := tagDef.BindParameter(fmt.Sprintf("$label%d", i))
			assert.NoError(t, err)
			ids[i] = id
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.reg.Providers()
			e.reg.GetAttrDef(domain.BuiltIn, "star")
		}()
	}
	wg.Wait()

	unique := map[int64]bool{}
	for _, id := range ids {
		assert.NotZero(t, id)
		unique[id] = true
		resolved, ok := e.reg.AttrByID(id)
		require.True(t, ok)
		assert.Same(t, tagDef, resolved)
	}
	assert.Len(t, unique, 8)
}

func TestShutdownAllowsReinit(t *testing.T) {
	log.InitLogging("error")
	ds, err := datastore.NewDatastore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	reg := NewRegistry(ds)
	require.NoError(t, reg.Init())
	fundattr := NewFundamentalAttr(reg, ds)
	require.NoError(t, fundattr.DefineAttributes())

	subjectDef, ok := reg.GetAttrDef(domain.BuiltIn, "subject")
	require.True(t, ok)

	reg.Shutdown()
	_, ok = reg.GetAttrDef(domain.BuiltIn, "subject")
	assert.False(t, ok)

	// The same registry object comes back up cleanly and reloads the
	// persisted catalog with stable IDs.
	require.NoError(t, reg.Init())
	fundattr2 := NewFundamentalAttr(reg, ds)
	require.NoError(t, fundattr2.DefineAttributes())

	reloaded, ok := reg.GetAttrDef(domain.BuiltIn, "subject")
	require.True(t, ok)
	assert.True(t, reloaded.Bound())
	assert.Equal(t, subjectDef.ID, reloaded.ID)
}

func TestParameterBindingsSurviveRestart(t *testing.T) {
	log.InitLogging("error")
	ds, err := datastore.NewDatastore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	reg := NewRegistry(ds)
	require.NoError(t, reg.Init())
	fundattr := NewFundamentalAttr(reg, ds)
	require.NoError(t, fundattr.DefineAttributes())
	explattr := NewExplicitAttr(reg)
	require.NoError(t, explattr.DefineAttributes())

	tagDef, ok := reg.GetAttrDef(domain.BuiltIn, "tag")
	require.True(t, ok)

	boundID, err := tagDef.BindParameter("$label1")
	require.NoError(t, err)
	assert.NotZero(t, boundID)

	// Restart: the parameter binding comes back from storage before any
	// provider defines the attribute.
	reg2 := NewRegistry(ds)
	require.NoError(t, reg2.Init())

	loaded, ok := reg2.GetAttrDef(domain.BuiltIn, "tag")
	require.True(t, ok)
	reloadedID, ok := loaded.ParameterID("$label1")
	require.True(t, ok)
	assert.Equal(t, boundID, reloadedID)

	param, ok := loaded.ParameterForID(boundID)
	require.True(t, ok)
	assert.Equal(t, "$label1", param)

	resolved, ok := reg2.AttrByID(boundID)
	require.True(t, ok)
	assert.Same(t, loaded, resolved)
}
