// Command rfs mounts, formats, checks, and inspects rfs filesystem
// images: a FUSE front end over blockmgr/filemgr/namespace built with
// urfave/cli.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/blockfs/rfs/blockio"
	"github.com/blockfs/rfs/blockmgr"
	"github.com/blockfs/rfs/bridge"
	"github.com/blockfs/rfs/diag"
	"github.com/blockfs/rfs/filemgr"
	"github.com/blockfs/rfs/namespace"
)

// defaultStorageDir mirrors the original's /tmp/rfs fallback.
const defaultStorageDir = "/tmp/rfs"

// addressableBlocks is blockmgr's fixed external address space
// (32768 ids) plus the two reserved device blocks (superblock,
// bitmap) every on-disk image carries ahead of them.
const addressableBlocks = blockio.BlockSize*8 + 2

func main() {
	app := &cli.App{
		Name:      "rfs",
		Usage:     "mount, format, check, or inspect an rfs filesystem image",
		ArgsUsage: "mount_point",
		Action:    mountAction,
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "create the filesystem image without mounting it (an already formatted image is left as it is)",
				Action:    formatAction,
			},
			{
				Name:   "fsck",
				Usage:  "walk the inode graph and report any consistency violations",
				Action: fsckAction,
			},
			{
				Name:  "inspect",
				Usage: "dump the free-block bitmap and inode table as CSV",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "bitmap-out", Usage: "file to write the bitmap CSV to (default stdout)"},
					&cli.StringFlag{Name: "inodes-out", Usage: "file to write the inode-table CSV to (default stdout)"},
				},
				Action: inspectAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("rfs: %s", err)
	}
}

// logf writes to stderr when RFS_LOG is set to a non-empty value other
// than a number <= 0, standing in for the original's RUST_LOG verbosity
// knob.
func logf(format string, args ...interface{}) {
	v := os.Getenv("RFS_LOG")
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n <= 0 {
		return
	}
	log.Printf(format, args...)
}

// openDevice opens the block device named by STORAGE_DIR (defaulting
// to /tmp/rfs), or an in-memory device if FAKE_STORAGE is set, exactly
// the two environment variables the original filesystem honored.
func openDevice() (blockio.Device, error) {
	if _, ok := os.LookupEnv("FAKE_STORAGE"); ok {
		logf("using an in-memory device, nothing will be persisted")
		return blockio.NewMemDevice(), nil
	}
	dir := os.Getenv("STORAGE_DIR")
	if dir == "" {
		dir = defaultStorageDir
	}
	logf("opening file-backed device at %s", dir)
	return blockio.NewFileDevice(dir, addressableBlocks)
}

func openNamespace() (*blockmgr.Manager, *namespace.FS, error) {
	dev, err := openDevice()
	if err != nil {
		return nil, nil, err
	}
	mgr := blockmgr.New(dev)
	fm := filemgr.New(mgr)
	fs := namespace.New(fm)
	if err := fs.Init(); err != nil {
		return nil, nil, err
	}
	return mgr, fs, nil
}

func mountAction(c *cli.Context) error {
	mountPoint := c.Args().First()
	if mountPoint == "" {
		return cli.Exit("usage: rfs mount_point", 1)
	}
	info, err := os.Stat(mountPoint)
	if err != nil || !info.IsDir() {
		return cli.Exit(fmt.Sprintf("%s is not a directory", mountPoint), 1)
	}

	_, ns, err := openNamespace()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	server := fuseutil.NewFileSystemServer(bridge.New(ns))
	mfs, err := fuse.Mount(mountPoint, server, &fuse.MountConfig{})
	if err != nil {
		return cli.Exit(fmt.Sprintf("mount: %s", err), 1)
	}

	if err := mfs.Join(c.Context); err != nil {
		return cli.Exit(fmt.Sprintf("serving: %s", err), 1)
	}
	return nil
}

func formatAction(c *cli.Context) error {
	dev, err := openDevice()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	mgr := blockmgr.New(dev)
	fm := filemgr.New(mgr)
	fs := namespace.New(fm)
	if err := fs.Init(); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Println("formatted")
	return nil
}

func fsckAction(c *cli.Context) error {
	mgr, fs, err := openNamespace()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := diag.CheckConsistency(mgr, fs); err != nil {
		fmt.Println(err)
		return cli.Exit("inconsistencies found", 1)
	}
	fmt.Println("clean")
	return nil
}

func inspectAction(c *cli.Context) error {
	mgr, fs, err := openNamespace()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	bitmapOut, closeBitmapOut, err := openOutput(c.String("bitmap-out"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer closeBitmapOut()
	if err := diag.ExportBitmap(mgr, bitmapOut); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	inodesOut, closeInodesOut, err := openOutput(c.String("inodes-out"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer closeInodesOut()
	return diag.ExportInodes(fs, inodesOut)
}

// openOutput returns os.Stdout with a no-op closer for an empty path, so
// callers can defer the returned closer unconditionally without ever
// closing stdout out from under a later write.
func openOutput(path string) (*os.File, func() error, error) {
	if path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
