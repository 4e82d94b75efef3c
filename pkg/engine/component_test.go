package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateComponents(t *testing.T) {
	v := MustParseVersion
	installed := []ComponentInfo{
		{ComponentID: "Core", Version: v("1.0"), ExecutionResult: ExecutionResultSuccessful},
		{ComponentID: "Core", Version: v("1.2"), ExecutionResult: ExecutionResultSuccessful, Description: "core 1.2"},
		{ComponentID: "Web", Version: v("2.0"), ExecutionResult: ExecutionResultSuccessful},
	}
	incomplete := []ComponentInfo{
		{ComponentID: "Core", Version: v("1.1"), ExecutionResult: ExecutionResultFaulty},
		{ComponentID: "Web", Version: v("2.1"), ExecutionResult: ExecutionResultSuccessfulBefore},
		{ComponentID: "Search", Version: v("1.0"), ExecutionResult: ExecutionResultFaultyBefore},
		{ComponentID: "Mail", Version: v("3.0"), ExecutionResult: ExecutionResultUnfinished},
	}

	components := CreateComponents(installed, incomplete)
	require.Len(t, components, 4)
	assert.Equal(t, []string{"Core", "Mail", "Search", "Web"}, []string{
		components[0].ComponentID, components[1].ComponentID,
		components[2].ComponentID, components[3].ComponentID,
	})

	core := findComponent(components, "Core")
	assert.Equal(t, "1.2", core.Version.String())
	assert.Equal(t, "core 1.2", core.Description)
	assert.Nil(t, core.FaultyAfterVersion, "faults below the installed version are history")

	web := findComponent(components, "Web")
	assert.Equal(t, "2.0", web.Version.String())
	assert.Equal(t, "2.1", web.FaultyAfterVersion.String())

	search := findComponent(components, "Search")
	assert.Nil(t, search.Version)
	assert.Equal(t, "1.0", search.FaultyBeforeVersion.String())

	mail := findComponent(components, "Mail")
	assert.Equal(t, "3.0", mail.FaultyBeforeVersion.String())
}

func TestComponentDescriptorClone(t *testing.T) {
	orig := &ComponentDescriptor{
		ComponentID:  "Core",
		Version:      MustParseVersion("1.0"),
		Dependencies: []Dependency{{ComponentID: "Base", Boundary: AtLeast(MustParseVersion("1.0"))}},
	}
	c := orig.Clone()
	c.Version.Major = 9
	c.Dependencies[0].Boundary.Min.Major = 9

	assert.Equal(t, 1, orig.Version.Major)
	assert.Equal(t, 1, orig.Dependencies[0].Boundary.Min.Major)
}
