package models_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autonode/pkg/models"
)

func TestAttributes_ValueScanRoundTrip(t *testing.T) {
	in := models.Attributes{"color": "red", "size": float64(3)}
	v, err := in.Value()
	require.NoError(t, err)

	var out models.Attributes
	require.NoError(t, out.Scan(v))
	assert.Equal(t, in, out)
}

func TestAttributes_ScanEdgeCases(t *testing.T) {
	var a models.Attributes
	assert.NoError(t, a.Scan(nil))
	assert.Nil(t, a)

	assert.NoError(t, a.Scan(`{"k":"v"}`))
	assert.Equal(t, "v", a["k"])

	assert.Error(t, a.Scan(42))

	v, err := models.Attributes(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), v)
}

func TestItem_BeforeCreateAssignsID(t *testing.T) {
	item := &models.Item{Key: "k", Name: "n"}
	require.NoError(t, item.BeforeCreate(nil))
	assert.NotEqual(t, uuid.Nil, item.ID)

	fixed := uuid.New()
	item = &models.Item{ID: fixed}
	require.NoError(t, item.BeforeCreate(nil))
	assert.Equal(t, fixed, item.ID)
}

func TestTask_Validate(t *testing.T) {
	assert.NoError(t, models.Task{Kind: "report", Name: "daily"}.Validate())
	assert.ErrorIs(t, models.Task{Kind: "report"}.Validate(), models.ErrInvalidTask)
	assert.ErrorIs(t, models.Task{Name: "daily"}.Validate(), models.ErrInvalidTask)
}
