// driver-check checks the stepper drivers of a machine config: it opens
// every driver, runs the connection test and prints the M122 report.
//
// Usage:
//
//	driver-check -config ~/steppermon.cfg [options]
//
// Options:
//
//	-config string    Machine configuration file (required)
//	-ports            List the ttys a UART line can use and exit
//	-registers        Also dump every driver register
//	-yaml             Print tool-readable YAML snapshots instead of the report
//	-v                Debug logging
//
// Examples:
//
//	# Connection test and status report
//	driver-check -config ~/steppermon.cfg
//
//	# Find the adapter for a TMC2209 UART line
//	driver-check -ports
//
//	# Full register dump as YAML
//	driver-check -config ~/steppermon.cfg -yaml -registers
//
// The exit status is 2 when any driver failed its connection test.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"steppermon/pkg/bus"
	"steppermon/pkg/config"
	"steppermon/pkg/log"
	"steppermon/pkg/machine"
	"steppermon/pkg/report"
	"steppermon/pkg/serial"
)

func main() {
	configFile := flag.String("config", "", "Machine configuration file (required)")
	ports := flag.Bool("ports", false, "List the ttys a UART line can use and exit")
	registers := flag.Bool("registers", false, "Also dump every driver register")
	asYAML := flag.Bool("yaml", false, "Print YAML snapshots instead of the report")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *ports {
		if err := listPorts(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}
	if *verbose {
		log.Default().SetLevel(log.DEBUG)
	}

	failed, err := check(os.Stdout, *configFile, *registers, *asYAML)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(2)
	}
}

// check writes the check output for the config at path and returns the
// number of drivers that failed the connection test.
func check(w io.Writer, path string, registers, asYAML bool) (int, error) {
	cfg, err := config.LoadMachine(path)
	if err != nil {
		return 0, err
	}
	m, err := machine.Open(cfg, bus.NewRegistry())
	if err != nil {
		return 0, err
	}
	defer m.Close()

	insts := m.Set.All()
	if asYAML {
		failed := report.TestConnections(io.Discard, insts)
		return failed, report.WriteYAML(w, report.Snapshots(insts, registers))
	}

	failed := report.TestConnections(w, insts)
	if err := report.Write(w, insts); err != nil {
		return failed, err
	}
	if registers {
		if err := report.WriteRegisters(w, insts); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

func listPorts(w io.Writer) error {
	ports, err := serial.Candidates()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial devices found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintln(w, p)
	}
	return nil
}
