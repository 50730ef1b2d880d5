package carebus

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/edgeflare/carebus/pkg/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Register and check event schemas",
}

var schemaListCmd = &cobra.Command{
	Use:   "list TYPE",
	Short: "List the registered versions of an event type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		versions, err := c.Inspector().Schemas(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), versions)
	},
}

var schemaRegisterCmd = &cobra.Command{
	Use:   "register TYPE FILE",
	Short: "Register a new schema version from a YAML or JSON file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := readSchema(args[1])
		if err != nil {
			return err
		}
		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		version, err := c.Inspector().RegisterSchema(cmd.Context(), args[0], sc)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s version %d\n", args[0], version)
		return nil
	},
}

var schemaValidateCmd = &cobra.Command{
	Use:   "validate TYPE VERSION FILE",
	Short: "Check a JSON payload against a registered schema version",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("version %q: %w", args[1], err)
		}
		payload, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Inspector().Validate(cmd.Context(), args[0], version, payload); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s conforms to %s version %d\n", args[2], args[0], version)
		return nil
	},
}

func readSchema(path string) (schema.Schema, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return schema.Schema{}, err
	}
	var sc schema.Schema
	if err := yaml.Unmarshal(b, &sc); err != nil {
		return schema.Schema{}, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

func init() {
	schemaCmd.AddCommand(schemaListCmd, schemaRegisterCmd, schemaValidateCmd)
}
