package main

import (
	"flag"
	"fmt"
	"os"

	canopy "github.com/edwardbr/canopy/core"
	"github.com/edwardbr/canopy/internal/chantransport"
)

var help = `
  Usage: canopydemo [--help]

  Runs the local arithmetic scenario in one zone, then connects two zones
  over an in-memory chantransport edge (no call is sent across it), and
  prints the outcome of each.

  Read more:
    https://github.com/edwardbr/canopy
`

// calculatorStub is a hand-written InterfaceStub standing in for what a
// generated IDL binding would produce for an "add(a, b int) int" interface.
type calculatorStub struct{}

const (
	calculatorInterfaceID canopy.InterfaceOrdinal = 1
	calculatorAddMethod   canopy.Method           = 1
)

func (calculatorStub) InterfaceID() canopy.InterfaceOrdinal { return calculatorInterfaceID }

func (calculatorStub) Call(version canopy.ProtocolVersion, enc canopy.Encoding, caller canopy.CallerZone, method canopy.Method, inBytes []byte) ([]byte, error) {
	if method != calculatorAddMethod {
		return nil, canopy.NewCallError(canopy.ErrCodeInvalidData, "calculator has no method %v", method)
	}
	var args struct{ A, B int }
	if err := canopy.Unmarshal(enc, inBytes, &args); err != nil {
		return nil, err
	}
	return canopy.Marshal(enc, struct{ Result int }{args.A + args.B})
}

func (calculatorStub) Cast(iface canopy.InterfaceOrdinal) (canopy.InterfaceStub, bool) {
	return nil, false
}

func runLocalArithmetic(logger canopy.Logger) error {
	svc := canopy.NewService(1, logger)
	svc.RegisterStubFactory("calculator", func(impl interface{}) canopy.InterfaceStub {
		return calculatorStub{}
	})
	stub, err := svc.Bind("calculator", struct{}{})
	if err != nil {
		return err
	}

	inBytes, err := canopy.Marshal(canopy.EncodingYASJSON, struct{ A, B int }{10, 20})
	if err != nil {
		return err
	}
	outBytes, err := svc.Send(canopy.CurrentProtocolVersion, canopy.EncodingYASJSON, 0, canopy.DestinationZone(svc.Zone()), stub.Object(), calculatorInterfaceID, calculatorAddMethod, inBytes)
	if err != nil {
		return err
	}
	var result struct{ Result int }
	if err := canopy.Unmarshal(canopy.EncodingYASJSON, outBytes, &result); err != nil {
		return err
	}
	fmt.Printf("local arithmetic: 10 + 20 = %d\n", result.Result)
	return nil
}

func runTwoZoneEcho(logger canopy.Logger) error {
	endpointA, endpointB, err := chantransport.NewPair()
	if err != nil {
		return fmt.Errorf("create in-process edge: %w", err)
	}

	zoneA, zoneB := canopy.Zone(1), canopy.Zone(2)
	svcA := canopy.NewService(zoneA, logger.Fork("zoneA"))
	svcB := canopy.NewService(zoneB, logger.Fork("zoneB"))

	transportA := canopy.NewTransport(endpointA, zoneA, zoneB, svcA, logger)
	transportB := canopy.NewTransport(endpointB, zoneB, zoneA, svcB, logger)
	endpointA.Bind(transportA)
	endpointB.Bind(transportB)

	svcA.AddTransport(transportA)
	svcB.AddTransport(transportB)
	transportA.MarkConnected()
	transportB.MarkConnected()

	fmt.Println("two-zone echo: transports connected,", transportA.Status(), "/", transportB.Status())
	return nil
}

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, help) }
	flag.Parse()

	logger := canopy.NewLogger("canopydemo", canopy.LogLevelInfo)

	if err := runLocalArithmetic(logger); err != nil {
		logger.ELogf("local arithmetic scenario failed: %v", err)
		os.Exit(1)
	}
	if err := runTwoZoneEcho(logger); err != nil {
		logger.ELogf("two-zone echo scenario failed: %v", err)
		os.Exit(1)
	}
}
