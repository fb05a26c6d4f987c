package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileOptionsCropAllOrNothing(t *testing.T) {
	w, h, x, y, cw, ch := 100, 200, 0, 0, 50, 50

	complete := FileOptions{Type: "default", CropSizeW: &w, CropSizeH: &h, CropTopX: &x, CropTopY: &y, CropW: &cw, CropH: &ch}
	assert.True(t, complete.HasCrop())
	assert.False(t, complete.HasPartialCrop())
	assert.NoError(t, complete.Validate())

	partial := FileOptions{Type: "default", CropSizeW: &w, CropTopX: &x}
	assert.False(t, partial.HasCrop())
	assert.True(t, partial.HasPartialCrop())
	assert.Error(t, partial.Validate())

	none := DefaultFileOptions()
	assert.False(t, none.HasCrop())
	assert.False(t, none.HasPartialCrop())
	assert.NoError(t, none.Validate())
}

func TestFileOptionsExplicitSize(t *testing.T) {
	w := 128
	o := FileOptions{Type: "default", Width: &w}
	assert.True(t, o.HasExplicitSize())

	o2 := DefaultFileOptions()
	assert.False(t, o2.HasExplicitSize())
}

func TestFileOptionsInvalidEnums(t *testing.T) {
	o := FileOptions{Type: "banana"}
	assert.Error(t, o.Validate())

	o2 := FileOptions{Type: "default", SizeType: "huge"}
	assert.Error(t, o2.Validate())
}

func TestNewJobMessageRoundTrip(t *testing.T) {
	opts := DefaultFileOptions()
	msg, err := NewJobMessage(3, 42, "photo.png", opts, 8192)
	require.NoError(t, err)

	data, err := Marshal(msg)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, TypeNewJob, decoded.Type)
	assert.Equal(t, Version, decoded.V)
	require.NotNil(t, decoded.BatchID)
	assert.Equal(t, 3, *decoded.BatchID)
	require.NotNil(t, decoded.JobID)
	assert.Equal(t, 42, *decoded.JobID)
	assert.Equal(t, "photo.png", decoded.Filename)
	require.NotNil(t, decoded.ByteLength)
	assert.EqualValues(t, 8192, *decoded.ByteLength)
}

func TestNewJobMessageRejectsInvalidOptions(t *testing.T) {
	w := 10
	bad := FileOptions{Type: "default", CropSizeW: &w}
	_, err := NewJobMessage(1, 1, "x.png", bad, 1)
	require.Error(t, err)
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestValidateVersionRejectsMismatch(t *testing.T) {
	e := &Envelope{V: 2, Type: TypeNewJob}
	err := ValidateVersion(e)
	require.Error(t, err)

	e2 := &Envelope{V: 1, Type: TypeNewJob}
	assert.NoError(t, ValidateVersion(e2))

	e3 := &Envelope{Type: TypeHeartbeat}
	assert.NoError(t, ValidateVersion(e3))
}

func TestUnmarshalRejectsMismatchedVersion(t *testing.T) {
	_, err := Unmarshal([]byte(`{"v":7,"type":"new_job"}`))
	require.Error(t, err)
}

func TestJobErrorMessageRequiresTraceback(t *testing.T) {
	_, err := JobErrorMessage(1, 2, 3, StageConvert, "boom", "", false)
	require.Error(t, err)

	msg, err := JobErrorMessage(1, 2, 3, StageConvert, "boom", "trace...", true)
	require.NoError(t, err)
	assert.Equal(t, TypeJobError, msg.Type)
	assert.True(t, msg.Retryable)
}

func TestImagesReadyMessageShape(t *testing.T) {
	msg := ImagesReadyMessage(1, 2, 3, "result.zip", 4096)
	assert.Equal(t, TypeImagesReady, msg.Type)
	assert.Equal(t, "zip", msg.Format)
	assert.Equal(t, "application/zip", msg.ContentType)
	assert.Equal(t, "result.zip", msg.Filename)
}

func TestNewConvertorMessageRequiresHostPort(t *testing.T) {
	_, err := NewConvertorMessage("", 0, "nonce")
	require.Error(t, err)

	msg, err := NewConvertorMessage("127.0.0.1", 5057, "abc123")
	require.NoError(t, err)
	assert.Equal(t, TypeNewConvertor, msg.Type)
	assert.Equal(t, "abc123", msg.Nonce)
}

func TestShutdownMessageRequiresHostPort(t *testing.T) {
	_, err := ShutdownMessage("host", 0)
	require.Error(t, err)

	msg, err := ShutdownMessage("host", 1)
	require.NoError(t, err)
	assert.Equal(t, TypeShutdown, msg.Type)
}
