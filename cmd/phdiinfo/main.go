// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// phdiinfo prints the metadata of a Parallels Hard Disk image.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/elliotnunn/phdi"
)

const version = "20260801"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"Use phdiinfo to determine information about a Parallels Hard Disk image.\n\n"+
				"Usage: phdiinfo [-hvV] image\n\n"+
				"\timage: a DiskDescriptor.xml file or the directory containing it\n\n")
		flag.PrintDefaults()
	}
	verbose := flag.Bool("v", false, "verbose output")
	showVersion := flag.Bool("V", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("phdiinfo", version)
		return
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	opt := &phdi.Options{}
	if *verbose {
		opt.Logger = slog.New(slog.NewTextHandler(os.Stderr,
			&slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	d, err := phdi.Open(flag.Arg(0), opt)
	if err != nil {
		fmt.Fprintln(os.Stderr, "phdiinfo:", err)
		os.Exit(1)
	}
	defer d.Close()

	if err := printInfo(os.Stdout, d); err != nil {
		fmt.Fprintln(os.Stderr, "phdiinfo:", err)
		os.Exit(1)
	}
}

func printInfo(w *os.File, d *phdi.Disk) error {
	fmt.Fprintf(w, "Parallels Hard Disk image information:\n")
	fmt.Fprintf(w, "\tMedia size\t\t: %s (%d bytes)\n", byteSizeString(d.MediaSize()), d.MediaSize())
	fmt.Fprintf(w, "\tName\t\t\t: %s\n", d.Name())
	fmt.Fprintf(w, "\tNumber of extents\t: %d\n", d.ExtentCount())
	fmt.Fprintf(w, "\tNumber of snapshots\t: %d\n", d.SnapshotCount())

	for i := 0; i < d.ExtentCount(); i++ {
		e, err := d.ExtentDescriptor(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\nExtent: %d\n", i+1)
		fmt.Fprintf(w, "\tStart offset\t\t: %d\n", e.StartOffset)
		fmt.Fprintf(w, "\tSize\t\t\t: %s (%d bytes)\n", byteSizeString(e.Size), e.Size)
		fmt.Fprintf(w, "\tNumber of images\t: %d\n", len(e.Images))
		for j, img := range e.Images {
			fmt.Fprintf(w, "\tImage: %d\n", j+1)
			fmt.Fprintf(w, "\t\tFilename\t: %s\n", img.Filename)
			fmt.Fprintf(w, "\t\tType\t\t: %s\n", img.Type)
		}
	}

	for i := 0; i < d.SnapshotCount(); i++ {
		s, err := d.Snapshot(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\nSnapshot: %d\n", i+1)
		fmt.Fprintf(w, "\tIdentifier\t\t: %s\n", s.Identifier)
		fmt.Fprintf(w, "\tParent identifier\t: %s\n", s.ParentIdentifier)
	}
	return nil
}

// byteSizeString renders a size the way a person wants to read it.
func byteSizeString(n int64) string {
	const units = "KMGTPE"
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	v, unit := float64(n), 0
	for v >= 1024 && unit < len(units) {
		v /= 1024
		unit++
	}
	return fmt.Sprintf("%.1f %ciB", v, units[unit-1])
}
