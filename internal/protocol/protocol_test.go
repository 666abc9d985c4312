package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProtocol_Registry_RegistersAllDecodersOnDistinctPorts(t *testing.T) {
	t.Parallel()

	r := NewDefaultRegistry()
	all := r.All()
	require.Len(t, all, 8)

	ports := map[int]string{}
	for _, d := range all {
		require.NotContains(t, ports, d.Port())
		ports[d.Port()] = d.Name()
	}

	require.Equal(t, "tk103", ports[5001])
	require.Equal(t, "h02", ports[5013])
	require.Equal(t, "meitrack", ports[5020])
	require.Equal(t, "gt06", ports[5023])
	require.Equal(t, "queclink", ports[5026])
	require.Equal(t, "teltonika", ports[5027])
	require.Equal(t, "osmand", ports[5055])
	require.Equal(t, "flespi", ports[5149])
}

func TestProtocol_Registry_RejectsDuplicates(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(NewGT06Decoder()))
	require.Error(t, r.Register(NewGT06Decoder()))
}

func TestProtocol_Registry_TeltonikaSpeaksTCPAndUDP(t *testing.T) {
	t.Parallel()

	d, ok := NewDefaultRegistry().Get("teltonika")
	require.True(t, ok)
	require.ElementsMatch(t, []Transport{TransportTCP, TransportUDP}, d.Transports())
}

func TestProtocol_CRC16IBM_KnownVector(t *testing.T) {
	t.Parallel()

	// Standard CRC-16/ARC check value.
	require.Equal(t, uint16(0xBB3D), crc16IBM([]byte("123456789")))
}

func TestProtocol_CRC16X25_KnownVector(t *testing.T) {
	t.Parallel()

	// Standard CRC-16/X-25 check value.
	require.Equal(t, uint16(0x906E), crc16X25([]byte("123456789")))
}

func TestProtocol_XORChecksum(t *testing.T) {
	t.Parallel()

	require.Equal(t, byte(0), xorChecksum([]byte{0xAA, 0xAA}))
	require.Equal(t, byte(0x31), xorChecksum([]byte("1")))
}

func TestProtocol_ParseDegMin_Hemispheres(t *testing.T) {
	t.Parallel()

	lat, err := parseDegMin("2235.6708", "S")
	require.NoError(t, err)
	require.InDelta(t, -22.594513, lat, 0.000001)

	lon, err := parseDegMin("11357.1234", "E")
	require.NoError(t, err)
	require.InDelta(t, 113.95206, lon, 0.00001)

	_, err = parseDegMin("2299.0000", "N") // minutes >= 60
	require.Error(t, err)
}

func TestProtocol_EpochToTime_SecondsVersusMilliseconds(t *testing.T) {
	t.Parallel()

	require.Equal(t, int64(1609459200), epochToTime(1609459200).Unix())
	require.Equal(t, int64(1609459200), epochToTime(1609459200000).Unix())
}
