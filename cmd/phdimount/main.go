// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// phdimount exposes a Parallels Hard Disk image as a read-only FUSE volume
// holding one raw disk file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/elliotnunn/phdi"
)

const version = "20260801"

// The one file inside the mountpoint
const mediaName = "hdd.raw"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"Use phdimount to mount a Parallels Hard Disk image as a raw disk file.\n\n"+
				"Usage: phdimount [-hvV] image mountpoint\n\n"+
				"\timage: a DiskDescriptor.xml file or the directory containing it\n"+
				"\tmountpoint: an empty directory\n\n")
		flag.PrintDefaults()
	}
	verbose := flag.Bool("v", false, "verbose output")
	showVersion := flag.Bool("V", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("phdimount", version)
		return
	}
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}
	image, mountpoint := flag.Arg(0), flag.Arg(1)

	opt := &phdi.Options{}
	if *verbose {
		opt.Logger = slog.New(slog.NewTextHandler(os.Stderr,
			&slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	d, err := phdi.Open(image, opt)
	if err != nil {
		fmt.Fprintln(os.Stderr, "phdimount:", err)
		os.Exit(1)
	}
	defer d.Close()

	cfg := &fuse.MountConfig{
		ReadOnly: true,
		FSName:   "phdi",
		Subtype:  "phdi",
	}
	if *verbose {
		cfg.DebugLogger = log.New(os.Stderr, "fuse: ", 0)
	}

	server := fuseutil.NewFileSystemServer(&mediaFS{disk: d, size: d.MediaSize()})
	mfs, err := fuse.Mount(mountpoint, server, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "phdimount:", err)
		os.Exit(1)
	}

	// ^C means unmount; the kernel then winds down the filesystem
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		d.SignalAbort()
		if err := fuse.Unmount(mountpoint); err != nil {
			fmt.Fprintln(os.Stderr, "phdimount: unmount:", err)
		}
	}()

	if err := mfs.Join(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "phdimount:", err)
		os.Exit(1)
	}
}
