package publish

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecollector/internal/fqcn"
)

func TestInterpolator_RenderSubstitutesGlobals(t *testing.T) {
	in := NewInterpolator()
	defer in.Close()

	ctx := Context{
		Fqcn:      fqcn.New("AA:BB:CC:DD:EE:FF", "180d", "2a37"),
		Name:      "sensor-1",
		KnownName: "Thermometer",
		Value:     21.5,
	}

	got, err := in.Render("ble/${clean_address}/${service}/${characteristic}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "ble/AA_BB_CC_DD_EE_FF/180d/2a37", got)
}

func TestInterpolator_RenderValueAsString(t *testing.T) {
	in := NewInterpolator()
	defer in.Close()

	ctx := Context{Fqcn: fqcn.New("AA:BB:CC:DD:EE:FF", "180d", "2a37"), Value: 42}
	got, err := in.Render("${value}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", got)
}

func TestInterpolator_RenderServiceAndPeripheralNames(t *testing.T) {
	in := NewInterpolator()
	defer in.Close()

	ctx := Context{
		Fqcn:           fqcn.New("AA:BB:CC:DD:EE:FF", "180d", "2a37"),
		Name:           "Battery Level",
		ServiceName:    "Battery Service",
		PeripheralName: "Name Different Case",
	}

	got, err := in.Render("${clean_service_name}-${clean_name}-${clean_peripheral_name}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "Battery_Service-Battery_Level-Name_Different_Case", got)

	raw, err := in.Render("${service_name}/${name}/${peripheral_name}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "Battery Service/Battery Level/Name Different Case", raw)
}

func TestInterpolator_RenderStateAndConfigTopicBackreferences(t *testing.T) {
	in := NewInterpolator()
	defer in.Close()

	ctx := Context{
		Fqcn:        fqcn.New("AA:BB:CC:DD:EE:FF", "180d", "2a37"),
		StateTopic:  "ble/state/2a37",
		ConfigTopic: "ble/config/2a37",
	}
	got, err := in.Render("${state_topic} -> ${config_topic}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "ble/state/2a37 -> ble/config/2a37", got)
}

func TestInterpolator_RenderPropagatesEvalError(t *testing.T) {
	in := NewInterpolator()
	defer in.Close()

	ctx := Context{Fqcn: fqcn.New("AA:BB:CC:DD:EE:FF", "180d", "2a37")}
	_, err := in.Render("${this is not valid lua (}", ctx)
	assert.Error(t, err)
}

func TestInterpolator_RenderPayloadWalksNestedStructures(t *testing.T) {
	in := NewInterpolator()
	defer in.Close()

	ctx := Context{Fqcn: fqcn.New("AA:BB:CC:DD:EE:FF", "180d", "2a37"), Name: "sensor-1"}
	payload := map[string]interface{}{
		"name": "${name}",
		"device": map[string]interface{}{
			"identifiers": []interface{}{"${clean_address}"},
		},
		"unit": "C",
		"ver":  1,
	}

	out, err := in.RenderPayload(payload, ctx)
	require.NoError(t, err)
	assert.Equal(t, "sensor-1", out["name"])
	assert.Equal(t, "C", out["unit"])
	assert.Equal(t, 1, out["ver"])

	device, ok := out["device"].(map[string]interface{})
	require.True(t, ok)
	ids, ok := device["identifiers"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, "AA_BB_CC_DD_EE_FF", ids[0])
}
