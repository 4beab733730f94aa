package cli

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/journalchat/internal/client"
	"github.com/raphaelgruber/journalchat/internal/models"
	"github.com/spf13/cobra"
)

var (
	personaName        string
	personaIcon        string
	personaDescription string
	personaPrompt      string
	personaDefault     bool
	personaForce       bool
)

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "List and manage personas",
	Long: `List and manage personas, the named system prompts an answer is written with.

Subcommands:
  list    List personas (default)
  create  Create a persona
  update  Update a persona
  delete  Delete a persona

Examples:
  journalchat personas
  journalchat personas create --name Coach --icon 🏃 --prompt "You are an encouraging coach."
  journalchat personas update Coach --default
  journalchat personas delete Coach`,
	RunE: runPersonasList,
}

var personasListCmd = &cobra.Command{
	Use:   "list",
	Short: "List personas",
	Args:  cobra.NoArgs,
	RunE:  runPersonasList,
}

var personasCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a persona",
	Args:  cobra.NoArgs,
	RunE:  runPersonasCreate,
}

var personasUpdateCmd = &cobra.Command{
	Use:   "update <persona>",
	Short: "Update a persona by id or name",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonasUpdate,
}

var personasDeleteCmd = &cobra.Command{
	Use:   "delete <persona>",
	Short: "Delete a persona by id or name",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonasDelete,
}

func init() {
	for _, cmd := range []*cobra.Command{personasCreateCmd, personasUpdateCmd} {
		cmd.Flags().StringVar(&personaName, "name", "", "persona name")
		cmd.Flags().StringVar(&personaIcon, "icon", "", "short icon, usually an emoji")
		cmd.Flags().StringVarP(&personaDescription, "description", "d", "", "one-line description")
		cmd.Flags().StringVar(&personaPrompt, "prompt", "", "system prompt")
		cmd.Flags().BoolVar(&personaDefault, "default", false, "make this the default persona")
	}
	_ = personasCreateCmd.MarkFlagRequired("name")
	_ = personasCreateCmd.MarkFlagRequired("prompt")
	personasDeleteCmd.Flags().BoolVarP(&personaForce, "force", "f", false, "skip confirmation")

	personasCmd.AddCommand(personasListCmd)
	personasCmd.AddCommand(personasCreateCmd)
	personasCmd.AddCommand(personasUpdateCmd)
	personasCmd.AddCommand(personasDeleteCmd)
}

func runPersonasList(cmd *cobra.Command, args []string) error {
	personas, err := apiClient.ListPersonas(context.Background())
	if err != nil {
		return err
	}

	if len(personas) == 0 {
		fmt.Println("No personas found.")
		return nil
	}

	fmt.Printf("Personas (%d):\n\n", len(personas))
	for _, p := range personas {
		fmt.Println(formatPersona(p))
		if verbose && p.SystemPrompt != "" {
			fmt.Printf("  Prompt: %s\n", models.Preview(p.SystemPrompt, 100))
		}
	}
	return nil
}

func runPersonasCreate(cmd *cobra.Command, args []string) error {
	p, err := apiClient.CreatePersona(context.Background(), client.PersonaInput{
		Name:         personaName,
		Icon:         personaIcon,
		Description:  personaDescription,
		SystemPrompt: personaPrompt,
		IsDefault:    personaDefault,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created persona %s (%s)\n", p.Name, p.ID)
	return nil
}

func runPersonasUpdate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	p, err := findPersona(ctx, args[0])
	if err != nil {
		return err
	}

	// Only flags given on the command line are sent.
	var update client.PersonaUpdate
	flags := cmd.Flags()
	if flags.Changed("name") {
		update.Name = &personaName
	}
	if flags.Changed("icon") {
		update.Icon = &personaIcon
	}
	if flags.Changed("description") {
		update.Description = &personaDescription
	}
	if flags.Changed("prompt") {
		update.SystemPrompt = &personaPrompt
	}
	if flags.Changed("default") {
		update.IsDefault = &personaDefault
	}

	updated, err := apiClient.UpdatePersona(ctx, p.ID, update)
	if err != nil {
		return err
	}
	fmt.Printf("Updated persona %s (%s)\n", updated.Name, updated.ID)
	return nil
}

func runPersonasDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	p, err := findPersona(ctx, args[0])
	if err != nil {
		return err
	}

	if !personaForce {
		fmt.Printf("About to delete persona: %s (%s)\n", p.Name, p.ID)
		ok, err := confirm(cmd.InOrStdin())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := apiClient.DeletePersona(ctx, p.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted persona %s\n", p.Name)
	return nil
}

// findPersona resolves a persona by id or name.
func findPersona(ctx context.Context, idOrName string) (*models.Persona, error) {
	personas, err := apiClient.ListPersonas(ctx)
	if err != nil {
		return nil, err
	}
	p := models.FindPersona(personas, idOrName)
	if p == nil {
		return nil, fmt.Errorf("persona not found: %s", idOrName)
	}
	return p, nil
}

func formatPersona(p models.Persona) string {
	line := "- " + personaLabel(p)
	if p.IsDefault {
		line += " [default]"
	}
	line += "  (" + p.ID + ")"
	if p.Description != "" {
		line += "\n  " + p.Description
	}
	return line
}
