package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"printdesk/internal/config"
	"printdesk/internal/printer"
	"printdesk/internal/types"

	"github.com/spf13/cobra"
)

var (
	printerPort string
	printerBaud int
	printerEcho bool
	sendWait    time.Duration
)

var errNoPort = errors.New("no serial port given; pass --port or set serial.port")

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := printer.ListPorts()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()

		for _, p := range ports {
			fmt.Fprintln(out, p)
		}

		if len(ports) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "no serial ports found")
		}

		return nil
	},
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List files on the printer's storage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPrinter(cmd, func(s *printer.Session) error {
			files, err := s.ListFiles()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', tabwriter.AlignRight)
			for _, f := range files {
				fmt.Fprintf(tw, "%d\t%s\t\n", f.Size, f.Name)
			}

			return tw.Flush()
		})
	},
}

var printCmd = &cobra.Command{
	Use:   "print [name]",
	Short: "Start printing a file from the printer's storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPrinter(cmd, func(s *printer.Session) error {
			return s.StartFile(args[0])
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a file from the printer's storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPrinter(cmd, func(s *printer.Session) error {
			return s.DeleteFile(args[0])
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [command]",
	Short: "Send one raw command",
	Long: `Sends a single line to the printer verbatim, then prints whatever it
answers for the --wait duration.

Example:
  printdesk send G28 X Y --wait 10s`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		printerEcho = true

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withPrinter(cmd, func(s *printer.Session) error {
			err := s.SendRaw(strings.Join(args, " "))
			if err != nil {
				return err
			}

			select {
			case <-time.After(sendWait):
			case <-ctx.Done():
			}

			return nil
		})
	},
}

var streamCmd = &cobra.Command{
	Use:   "stream [file.gcode]",
	Short: "Stream a local G-code file to the printer line by line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()

		return withPrinter(cmd, func(s *printer.Session) error {
			err := s.StreamFile(ctx, args[0], func(sent, total int) {
				fmt.Fprintf(out, "\r%d/%d", sent, total)
			})
			fmt.Fprintln(out)

			return err
		})
	},
}

var tempCmd = &cobra.Command{
	Use:   "temp",
	Short: "Report nozzle and bed temperatures",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPrinter(cmd, func(s *printer.Session) error {
			t, err := s.Temperature()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "nozzle %.1f / %.1f\n", t.Nozzle, t.NozzleTarget)

			if t.HasBed {
				fmt.Fprintf(out, "bed    %.1f / %.1f\n", t.Bed, t.BedTarget)
			}

			return nil
		})
	},
}

var posCmd = &cobra.Command{
	Use:   "pos",
	Short: "Report the print head position",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPrinter(cmd, func(s *printer.Session) error {
			p, err := s.Position()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "X %.2f  Y %.2f  Z %.2f", p.X, p.Y, p.Z)

			if p.HasE {
				fmt.Fprintf(out, "  E %.2f", p.E)
			}

			fmt.Fprintln(out)

			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{filesCmd, printCmd, deleteCmd, sendCmd, streamCmd, tempCmd, posCmd} {
		c.Flags().StringVarP(&printerPort, "port", "p", "", "serial port (default from config)")
		c.Flags().IntVarP(&printerBaud, "baud", "b", 0, "baud rate (default from config)")
		c.Flags().BoolVar(&printerEcho, "echo", false, "print serial traffic")
	}

	sendCmd.Flags().DurationVar(&sendWait, "wait", 2*time.Second, "how long to show replies")
}

// printerTarget resolves the port and baud rate from flags, then config
func printerTarget(c *config.Config) (string, int, error) {
	port := printerPort
	if port == "" {
		port = c.Serial.Port
	}

	if port == "" {
		return "", 0, errNoPort
	}

	baud := printerBaud
	if baud == 0 {
		baud = c.Serial.Baud
	}

	return port, baud, nil
}

func newSession(c *config.Config, onLine func(types.Line)) (*printer.Session, error) {
	dialect, err := loadDialect(c)
	if err != nil {
		return nil, err
	}

	return printer.NewSession(printer.Options{
		Dialect:          dialect,
		CommandTimeout:   c.Serial.CommandTimeout.Std(),
		HandshakeTimeout: c.Serial.HandshakeTimeout.Std(),
		OnLine:           onLine,
		Logger:           logger,
	})
}

// withPrinter connects for the duration of fn
func withPrinter(cmd *cobra.Command, fn func(*printer.Session) error) error {
	port, baud, err := printerTarget(cfg)
	if err != nil {
		return err
	}

	var onLine func(types.Line)
	if printerEcho {
		onLine = echoLine(cmd.ErrOrStderr())
	}

	s, err := newSession(cfg, onLine)
	if err != nil {
		return err
	}

	err = s.Connect(port, baud)
	if err != nil {
		return err
	}
	defer s.Disconnect()

	return fn(s)
}

func echoLine(w io.Writer) func(types.Line) {
	return func(line types.Line) {
		arrow := "<"
		if line.Stream == types.StreamTx {
			arrow = ">"
		}

		fmt.Fprintf(w, "%s %s\n", arrow, line.Text)
	}
}
