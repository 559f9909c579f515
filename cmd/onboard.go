package cmd

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/copaw/internal/channels"
	"github.com/nextlevelbuilder/copaw/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup: pick channels, enter credentials, write the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	selected := enabledChannelKeys(cfg)
	port := strconv.Itoa(cfg.Gateway.Port)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Channels to enable").
				Description("Credentials for the selected channels are asked next.").
				Options(
					huh.NewOption("Console (this terminal)", channels.NameConsole),
					huh.NewOption("iMessage (macOS chat.db)", channels.NameIMessage),
					huh.NewOption("Discord", channels.NameDiscord),
					huh.NewOption("DingTalk", channels.NameDingTalk),
					huh.NewOption("Feishu / Lark", channels.NameFeishu),
					huh.NewOption("QQ", channels.NameQQ),
				).
				Value(&selected),
			huh.NewInput().
				Title("Status server port").
				Value(&port).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("enter a port between 1 and 65535")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Gateway.Port, _ = strconv.Atoi(port)
	cfg.Channels.Console.Enabled = slices.Contains(selected, channels.NameConsole)
	cfg.Channels.IMessage.Enabled = slices.Contains(selected, channels.NameIMessage)
	cfg.Channels.Discord.Enabled = slices.Contains(selected, channels.NameDiscord)
	cfg.Channels.DingTalk.Enabled = slices.Contains(selected, channels.NameDingTalk)
	cfg.Channels.Feishu.Enabled = slices.Contains(selected, channels.NameFeishu)
	cfg.Channels.QQ.Enabled = slices.Contains(selected, channels.NameQQ)

	if err := credentialForms(cfg); err != nil {
		return err
	}

	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Config written to %s\nRun `copaw` to start.\n", path)
	return nil
}

// credentialForms asks for the credentials of each enabled channel, prefilled
// from the existing config so re-running onboard keeps prior answers.
func credentialForms(cfg *config.Config) error {
	var groups []*huh.Group

	if cfg.Channels.IMessage.Enabled {
		groups = append(groups, huh.NewGroup(
			huh.NewInput().
				Title("iMessage database path").
				Value(&cfg.Channels.IMessage.DBPath),
		).Title("iMessage"))
	}
	if cfg.Channels.Discord.Enabled {
		groups = append(groups, huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Channels.Discord.Token),
		).Title("Discord"))
	}
	if cfg.Channels.DingTalk.Enabled {
		groups = append(groups, huh.NewGroup(
			huh.NewInput().
				Title("DingTalk client id (AppKey)").
				Value(&cfg.Channels.DingTalk.ClientID),
			huh.NewInput().
				Title("DingTalk client secret (AppSecret)").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Channels.DingTalk.ClientSecret),
		).Title("DingTalk"))
	}
	if cfg.Channels.Feishu.Enabled {
		groups = append(groups, huh.NewGroup(
			huh.NewInput().
				Title("Feishu app id").
				Value(&cfg.Channels.Feishu.AppID),
			huh.NewInput().
				Title("Feishu app secret").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Channels.Feishu.AppSecret),
		).Title("Feishu"))
	}
	if cfg.Channels.QQ.Enabled {
		groups = append(groups, huh.NewGroup(
			huh.NewInput().
				Title("QQ bot app id").
				Value(&cfg.Channels.QQ.AppID),
			huh.NewInput().
				Title("QQ bot app secret").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Channels.QQ.AppSecret),
			huh.NewConfirm().
				Title("Use the QQ sandbox environment?").
				Value(&cfg.Channels.QQ.Sandbox),
		).Title("QQ"))
	}

	if len(groups) == 0 {
		return nil
	}
	return huh.NewForm(groups...).Run()
}

func enabledChannelKeys(cfg *config.Config) []string {
	var keys []string
	for name, enabled := range map[string]bool{
		channels.NameConsole:  cfg.Channels.Console.Enabled,
		channels.NameIMessage: cfg.Channels.IMessage.Enabled,
		channels.NameDiscord:  cfg.Channels.Discord.Enabled,
		channels.NameDingTalk: cfg.Channels.DingTalk.Enabled,
		channels.NameFeishu:   cfg.Channels.Feishu.Enabled,
		channels.NameQQ:       cfg.Channels.QQ.Enabled,
	} {
		if enabled {
			keys = append(keys, name)
		}
	}
	return keys
}
