// command hubctl is a bench tool standing in for the hub side of the
// wire protocol: it dials a badge over a serial link (a USB-UART bridge
// in front of the BLE radio on the bench rig), sends one request, and
// prints whatever responses come back until last_response is set. It
// mirrors driver/mjolnir.Open's serial-dial pattern: try the device the
// caller named, or a short list of OS-typical defaults.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/tarm/serial"

	"github.com/HumanDynamics/openbadge-sub000/internal/codec"
	"github.com/HumanDynamics/openbadge-sub000/internal/record"
	"github.com/HumanDynamics/openbadge-sub000/internal/request"
)

var (
	device  = flag.String("device", "", "serial device")
	baud    = flag.Int("baud", 115200, "baud rate")
	reqName = flag.String("request", "status", "request to send: status, identify, start_accel, stop_accel, start_scan, accel_data")
	groupID = flag.Uint("group", 0, "group_filter for start_scan")
	timeout = flag.Duration("timeout", 5*time.Second, "how long to wait for the terminal response")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hubctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))

	req, err := buildRequest(*reqName)
	if err != nil {
		return err
	}

	port, err := openSerial(*device, *baud)
	if err != nil {
		return fmt.Errorf("dialing badge: %w", err)
	}
	defer port.Close()

	if err := sendRequest(port, req); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	return readResponses(port, *timeout)
}

// openSerial mirrors driver/mjolnir.Open: try the named device, or fall
// back to the OS's usual USB-serial names.
func openSerial(dev string, baud int) (io.ReadWriteCloser, error) {
	var devices []string
	if dev != "" {
		devices = append(devices, dev)
	} else {
		switch runtime.GOOS {
		case "windows":
			devices = append(devices, "COM3")
		case "linux":
			devices = append(devices, "/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyACM0")
		case "darwin":
			devices = append(devices, "/dev/tty.usbserial")
		}
	}
	if len(devices) == 0 {
		return nil, errors.New("no device specified")
	}
	var firstErr error
	for _, d := range devices {
		s, err := serial.OpenPort(&serial.Config{Name: d, Baud: baud, ReadTimeout: time.Second})
		if err == nil {
			return s, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func buildRequest(name string) (*request.Request, error) {
	switch name {
	case "status":
		return &request.Request{Tag: request.TagStatus}, nil
	case "identify":
		return &request.Request{Tag: request.TagIdentify, TimeoutS: 10}, nil
	case "start_accel":
		return &request.Request{Tag: request.TagStartAccel}, nil
	case "stop_accel":
		return &request.Request{Tag: request.TagStopAccel}, nil
	case "start_scan":
		return &request.Request{
			Tag: request.TagStartScan, ScanWindowMs: 100, ScanIntervalMs: 200,
			ScanDurationS: 5, ScanPeriodS: 60, GroupFilter: uint8(*groupID),
		}, nil
	case "accel_data":
		return &request.Request{Tag: request.TagAccelDataRequest, Timestamp: record.Timestamp{Sec: 0}}, nil
	default:
		return nil, fmt.Errorf("unknown -request %q", name)
	}
}

// sendRequest frames req the way internal/request.Engine's receive path
// expects to read it back: a big-endian u16 length prefix followed by the
// codec-encoded body.
func sendRequest(w io.Writer, req *request.Request) error {
	body, err := codec.Marshal(binary.BigEndian, req)
	if err != nil {
		return err
	}
	var framed []byte
	framed = binary.BigEndian.AppendUint16(framed, uint16(len(body)))
	framed = append(framed, body...)
	_, err = w.Write(framed)
	return err
}

// readResponses reads length-prefixed frames until one sets last_response
// (or timeout elapses), printing each as it arrives.
func readResponses(r io.Reader, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return fmt.Errorf("reading length prefix: %w", err)
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return fmt.Errorf("reading body: %w", err)
		}
		var resp request.Response
		if err := codec.Unmarshal(binary.BigEndian, body, &resp); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		log.Printf("%+v", resp)
		if resp.LastResponse || resp.Tag == request.RespAck || resp.Tag == request.RespStatus {
			return nil
		}
	}
	return errors.New("timed out waiting for a terminal response")
}
