package signaling

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/tarm/serial"
)

// SignalHandler interface defines methods for handling signals
type SignalHandler interface {
	HandleSignal(signal string) error
}

// ArduinoSignal handles signals from Arduino via COM port
type ArduinoSignal struct {
	port     *serial.Port
	portName string
	baud     int
	mutex    sync.Mutex
	callback func(string) error
	done     chan struct{}
}

// NewArduinoSignal creates a new Arduino signal handler
func NewArduinoSignal(portName string, baud int, callback func(string) error) (*ArduinoSignal, error) {
	if portName == "" {
		return nil, fmt.Errorf("no serial port configured")
	}
	return &ArduinoSignal{
		portName: portName,
		baud:     baud,
		callback: callback,
	}, nil
}

// Connect establishes connection to the Arduino COM port and starts listening
func (a *ArduinoSignal) Connect() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.port != nil {
		return nil
	}

	config := &serial.Config{
		Name: a.portName,
		Baud: a.baud,
	}

	port, err := serial.OpenPort(config)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %v", err)
	}

	a.port = port
	a.done = make(chan struct{})

	// Start listening for signals in a goroutine
	go func(port *serial.Port, done chan struct{}) {
		defer close(done)
		if err := readSignals(port, a.HandleSignal); err != nil {
			log.Printf("[ARDUINO] Error reading from serial port: %v", err)
		}
	}(port, a.done)

	return nil
}

// readSignals splits r on ';' and hands every non-empty token to cb.
// It returns nil at EOF.
func readSignals(r io.Reader, cb func(string) error) error {
	reader := bufio.NewReader(r)
	var buffer strings.Builder

	for {
		b, err := reader.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		// The Arduino sends each button number followed by a semicolon
		if b != ';' {
			buffer.WriteByte(b)
			continue
		}
		signal := strings.TrimSpace(buffer.String())
		buffer.Reset()
		if signal == "" {
			continue
		}
		if err := cb(signal); err != nil {
			log.Printf("[ARDUINO] Error handling signal %q: %v", signal, err)
		}
	}
}

// HandleSignal processes signals received from Arduino
func (a *ArduinoSignal) HandleSignal(signal string) error {
	if a.callback != nil {
		return a.callback(signal)
	}
	return nil
}

// Close closes the serial port connection
func (a *ArduinoSignal) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.port != nil {
		err := a.port.Close()
		a.port = nil
		return err
	}
	return nil
}
