// command badgectl is a bench/debug tool for inspecting a badge's flash
// image offline: it opens a flash.img the way cmd/badge does, walks one partition newest-to-oldest, and exports every element
// as CBOR for downstream analysis tooling, the way bc/urtypes leans on
// fxamacker/cbor for UR-wrapped structured payloads rather than a
// hand-rolled encoder.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/HumanDynamics/openbadge-sub000/internal/badgefs"
	"github.com/HumanDynamics/openbadge-sub000/internal/blockdevice"
	"github.com/HumanDynamics/openbadge-sub000/internal/codec"
	"github.com/HumanDynamics/openbadge-sub000/internal/record"
	"github.com/HumanDynamics/openbadge-sub000/internal/storer"
)

var (
	flashPath = flag.String("flash", "", "path to a flash.img, as produced by cmd/badge")
	kindFlag  = flag.String("kind", "", "partition to export: assignment, battery, microphone, scan, accel_interrupt, accel")
	outPath   = flag.String("out", "", "output file (default stdout)")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "badgectl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *flashPath == "" {
		return errors.New("specify -flash")
	}
	kind := storer.Kind(*kindFlag)
	newRecord, ok := recordFactories[kind]
	if !ok {
		return fmt.Errorf("unknown -kind %q", *kindFlag)
	}

	dev, err := blockdevice.OpenSim(*flashPath, defaultGeometry)
	if err != nil {
		return fmt.Errorf("opening %s: %w", *flashPath, err)
	}
	defer dev.Close()

	fs, err := badgefs.Open(dev, storer.Specs(0))
	if err != nil {
		return fmt.Errorf("opening filesystem: %w", err)
	}
	part, ok := fs.Partition(string(kind))
	if !ok {
		return fmt.Errorf("partition %q not present in this image", kind)
	}

	records, err := exportPartition(part, newRecord)
	if err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	enc := cbor.NewEncoder(out)
	return enc.Encode(records)
}

// defaultGeometry matches internal/board.DefaultConfig's flash layout;
// a real bench rig would read this from the device image's own header,
// but badgefs.Open has no self-describing geometry today, so this tool
// and the firmware must agree on it out of band.
var defaultGeometry = blockdevice.Geometry{PageSize: 512, SectorSize: 4096, NumSectors: 256}

// recordFactories maps each partition kind to a constructor for its
// codec.Message type, so exportPartition can decode without a type switch
// per kind.
var recordFactories = map[storer.Kind]func() codec.Message{
	storer.Assignment:     func() codec.Message { return &record.Assignment{} },
	storer.Battery:        func() codec.Message { return &record.BatterySample{} },
	storer.Microphone:     func() codec.Message { return &record.MicrophoneChunk{} },
	storer.Scan:           func() codec.Message { return &record.ScanChunk{} },
	storer.AccelInterrupt: func() codec.Message { return &record.AccelInterruptSample{} },
	storer.Accel:          func() codec.Message { return &record.AccelChunk{} },
}

// exportPartition walks part from newest to oldest, decoding each
// element's storage-byte-order payload (spec.md §4.5) into a fresh
// newRecord(), and returns them oldest-first for a more natural reading
// order in the exported file.
func exportPartition(part *badgefs.Partition, newRecord func() codec.Message) ([]codec.Message, error) {
	it, err := part.Latest()
	if err != nil {
		if err == badgefs.ErrEmpty {
			return nil, nil
		}
		return nil, err
	}

	var records []codec.Message
	for {
		payload, err := it.Payload()
		if err == nil {
			msg := newRecord()
			if decErr := codec.Unmarshal(binary.LittleEndian, payload, msg); decErr == nil {
				records = append(records, msg)
			}
		}
		if err := it.Prev(); err != nil {
			break
		}
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}
