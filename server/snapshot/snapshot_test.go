package snapshot

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/wardwatch/pkg/nn"
	"github.com/cyclopcam/wardwatch/server/trackstate"
	"github.com/stretchr/testify/require"
)

func grayFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

// testStorage checks the behavior that every Storage must share
func testStorage(t *testing.T, s Storage) {
	ctx := context.Background()
	require.NoError(t, WriteFile(ctx, s, "a/b.jpg", strings.NewReader("hello")))
	f, err := s.ReadFile(ctx, "a/b.jpg")
	require.NoError(t, err)
	require.Equal(t, int64(5), f.Size)
	require.False(t, f.ModifiedAt.IsZero())
	data, err := io.ReadAll(f.Reader)
	require.NoError(t, err)
	require.NoError(t, f.Reader.Close())
	require.Equal(t, "hello", string(data))

	// Overwrite
	require.NoError(t, WriteFile(ctx, s, "a/b.jpg", strings.NewReader("hi")))
	data, err = ReadFile(ctx, s, "a/b.jpg")
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))

	for _, bad := range []string{"", "../escape.jpg", "a/../../b.jpg", "/etc/passwd"} {
		_, err = s.WriteFile(ctx, bad)
		require.ErrorIs(t, err, ErrInvalidName, bad)
		_, err = s.ReadFile(ctx, bad)
		require.ErrorIs(t, err, ErrInvalidName, bad)
		require.ErrorIs(t, s.DeleteFile(ctx, bad), ErrInvalidName, bad)
	}

	_, err = s.ReadFile(ctx, "missing.jpg")
	require.ErrorIs(t, err, os.ErrNotExist)
	require.NoError(t, s.DeleteFile(ctx, "a/b.jpg"))
	_, err = s.ReadFile(ctx, "a/b.jpg")
	require.ErrorIs(t, err, os.ErrNotExist)
	require.ErrorIs(t, s.DeleteFile(ctx, "a/b.jpg"), os.ErrNotExist)
}

func TestStorageFS(t *testing.T) {
	fs, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	testStorage(t, fs)
	_, err = fs.URL("a/b.jpg")
	require.ErrorIs(t, err, ErrNoPublicUrl)
}

func TestPersonLabel(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	name := "Alice"
	p := &trackstate.PersonState{DisplayID: "P-3", Auth: trackstate.AuthUnknown}
	require.Equal(t, "SCANNING P-3", PersonLabel(p, now).Text)

	p.Auth = trackstate.AuthUnauthorized
	l := PersonLabel(p, now)
	require.Equal(t, "UNAUTHORIZED P-3", l.Text)
	require.Equal(t, ColorUnauthorized, l.Color)

	p.Auth = trackstate.AuthAuthorized
	p.Name = &name
	require.Equal(t, "AUTHORIZED Alice", PersonLabel(p, now).Text)

	p.LastAggression = now.Add(-4 * time.Second)
	require.Equal(t, "AGGRESSIVE P-3", PersonLabel(p, now).Text)
	p.LastAggression = now.Add(-6 * time.Second)
	require.Equal(t, "AUTHORIZED Alice", PersonLabel(p, now).Text)

	v := &trackstate.VehicleState{Type: nn.VehicleTruck, Zone: "corridor"}
	require.Equal(t, "truck (corridor)", VehicleLabel(v).Text)
}

func TestAnnotate(t *testing.T) {
	img := grayFrame(200, 200)
	out := Annotate(img, []Label{{Box: nn.MakeBBox(50, 60, 150, 180), Text: "UNAUTHORIZED P-1", Color: ColorUnauthorized}})
	// Source frame is untouched
	require.Equal(t, uint8(128), img.Pix[0])

	// Bottom edge of the box is drawn in red
	r, g, b, _ := out.At(100, 180).RGBA()
	require.Greater(t, r>>8, uint32(200))
	require.Less(t, g>>8, uint32(60))
	require.Less(t, b>>8, uint32(60))

	// Inside the box is unchanged
	require.Equal(t, color.RGBAModel.Convert(img.At(100, 120)), color.RGBAModel.Convert(out.At(100, 120)))
}

func TestWriterSave(t *testing.T) {
	ctx := context.Background()
	fs, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	w := NewWriter(logs.NewTestingLog(t), fs)

	now := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	name, err := w.Save(ctx, grayFrame(64, 48), []Label{{Box: nn.MakeBBox(4, 4, 40, 40), Color: ColorScanning}}, "P-1", "UNAUTHORIZED_PERSON", now)
	require.NoError(t, err)
	require.Equal(t, "2024-03-05/143000.000-P-1-UNAUTHORIZED_PERSON.jpg", name)

	data, err := ReadFile(ctx, fs, name)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 64, img.Bounds().Dx())
	require.Equal(t, 48, img.Bounds().Dy())
}

func TestName(t *testing.T) {
	now := time.Date(2024, 3, 5, 1, 2, 3, 0, time.UTC)
	require.Equal(t, "2024-03-05/010203.000-global-CROWD_GATHERING.jpg", Name(now, "global", "CROWD_GATHERING"))
	require.Equal(t, "2024-03-05/010203.000-____x-y.jpg", Name(now, "/../x", "y"))
}
