package channels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConf = `# scan output
[KAAA-HD]
	SERVICE_ID = 3
	VCHANNEL = 7.1
	FREQUENCY = 605000000
	MODULATION = VSB/8

; another mux
[KBBB]
	SERVICE_ID = 1
	VCHANNEL = 5.1
	FREQUENCY = 593000000

[KBBB-SD]
	SERVICE_ID = 2
	VCHANNEL = 5.2
	FREQUENCY = 593000000

[NOFREQ]
	SERVICE_ID = 9
	VCHANNEL = 9.1
`

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	c, err := Load(writeConf(t, sampleConf))
	require.NoError(t, err)
	require.Equal(t, 3, c.Len())

	// Sorted by major.minor, and the section without a frequency dropped.
	list := c.Channels()
	assert.Equal(t, "5.1", list[0].Number)
	assert.Equal(t, "5.2", list[1].Number)
	assert.Equal(t, "7.1", list[2].Number)

	assert.Equal(t, Channel{
		Name:      "KBBB",
		ServiceID: "1",
		Frequency: "593000000",
		Number:    "5.1",
	}, list[0])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/channels.conf")
	assert.Error(t, err)
}

func TestFindByNumber(t *testing.T) {
	c, err := Load(writeConf(t, sampleConf))
	require.NoError(t, err)

	ch := c.FindByNumber("7.1")
	require.NotNil(t, ch)
	assert.Equal(t, "KAAA-HD", ch.Name)

	assert.Nil(t, c.FindByNumber("9.9"))
}

func TestUniqueFrequencies(t *testing.T) {
	c, err := Load(writeConf(t, sampleConf))
	require.NoError(t, err)

	muxes := c.UniqueFrequencies()
	require.Len(t, muxes, 2)
	assert.Equal(t, "593000000", muxes[0].Frequency)
	assert.Equal(t, "605000000", muxes[1].Frequency)
}

func TestNumberOrderingIsNumeric(t *testing.T) {
	conf := `[A]
SERVICE_ID = 1
VCHANNEL = 10.1
FREQUENCY = 1

[B]
SERVICE_ID = 2
VCHANNEL = 2.1
FREQUENCY = 2
`
	c, err := Load(writeConf(t, conf))
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())
	assert.Equal(t, "2.1", c.Channels()[0].Number)
	assert.Equal(t, "10.1", c.Channels()[1].Number)
}
