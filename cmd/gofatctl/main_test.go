package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/torvikrun/gofat"
)

func newApp(out *bytes.Buffer) *cli.App {
	return &cli.App{
		Name:     "gofatctl",
		Writer:   out,
		Commands: []*cli.Command{mkfsCommand, lsCommand, catCommand},
	}
}

func TestMkfsCreatesFormattedImage(t *testing.T) {
	imgPath := filepath.Join(t.TempDir(), "floppy.img")
	out := &bytes.Buffer{}
	app := newApp(out)

	err := app.Run([]string{"gofatctl", "mkfs", imgPath, "--total-sectors", "2880"})
	require.NoError(t, err)

	info, err := os.Stat(imgPath)
	require.NoError(t, err)
	assert.Equal(t, int64(2880*512), info.Size())
}

func TestLsAndCatRoundTripThroughCLI(t *testing.T) {
	imgPath := filepath.Join(t.TempDir(), "floppy.img")
	out := &bytes.Buffer{}
	app := newApp(out)

	require.NoError(t, app.Run([]string{"gofatctl", "mkfs", imgPath, "--total-sectors", "2880"}))

	f, err := os.OpenFile(imgPath, os.O_RDWR, 0o644)
	require.NoError(t, err)
	fs, err := gofat.Mount(f, gofat.MountOptions{})
	require.NoError(t, err)
	ctx := context.Background()
	root, err := fs.RootDir(ctx)
	require.NoError(t, err)
	file, err := root.CreateFile(ctx, "GREETING.TXT")
	require.NoError(t, err)
	_, err = file.Write(ctx, []byte("hello from the cli test"))
	require.NoError(t, err)
	require.NoError(t, file.Close(ctx))
	require.NoError(t, fs.Unmount(ctx))
	require.NoError(t, f.Close())

	out.Reset()
	require.NoError(t, app.Run([]string{"gofatctl", "ls", imgPath}))
	assert.Contains(t, out.String(), "GREETING.TXT")

	out.Reset()
	require.NoError(t, app.Run([]string{"gofatctl", "cat", imgPath, "GREETING.TXT"}))
	assert.Equal(t, "hello from the cli test", out.String())
}
