package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/leifj/mdenc/credential"
	"github.com/leifj/mdenc/encryption"
	"github.com/leifj/mdenc/internal/config"
	"github.com/leifj/mdenc/metadata"
	"github.com/spf13/cobra"
)

// globalOptions holds the persistent flags and the state built from them.
type globalOptions struct {
	configFile string
	debug      bool

	logger *slog.Logger
	cfg    *config.Config
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "mdenc",
		Short: "Metadata-driven XML encryption",
		Long: `mdenc negotiates XML Encryption parameters toward a peer described in
SAML metadata, and encrypts or decrypts documents with them.

The peer's encryption keys and declared EncryptionMethod hints are combined
with the local configuration chain to select key transport, key agreement
and data encryption algorithms.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.init(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&g.configFile, "config", "",
		"configuration file (library defaults when empty)")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false,
		"log negotiation details to stderr")

	cmd.AddCommand(newResolveCmd(g))
	cmd.AddCommand(newEncryptCmd(g))
	cmd.AddCommand(newDecryptCmd(g))
	return cmd
}

func (g *globalOptions) init(cmd *cobra.Command) error {
	level := slog.LevelInfo
	if g.debug {
		level = slog.LevelDebug
	}
	g.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	var err error
	if g.configFile != "" {
		g.cfg, err = config.Load(g.configFile)
	} else {
		g.cfg, err = config.Parse(nil)
	}
	return err
}

// peerOptions select the peer role whose metadata drives negotiation.
type peerOptions struct {
	metadataFile string
	entityID     string
	role         string
	protocol     string
	profile      string
}

func (p *peerOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&p.metadataFile, "metadata", "m", "", "SAML metadata file")
	cmd.Flags().StringVarP(&p.entityID, "entity", "e", "", "peer entityID")
	cmd.Flags().StringVar(&p.role, "role", "sp",
		"peer role (sp, idp, aa, authn, pdp or a role descriptor element name)")
	cmd.Flags().StringVar(&p.protocol, "protocol", metadata.ProtocolSAML20,
		"protocol the role must support (empty for any)")
	cmd.Flags().StringVar(&p.profile, "profile", "", "KeyInfo generation profile")
	_ = cmd.MarkFlagRequired("metadata")
	_ = cmd.MarkFlagRequired("entity")
}

var roleAliases = map[string]string{
	"sp":    metadata.RoleSPSSO,
	"idp":   metadata.RoleIDPSSO,
	"aa":    metadata.RoleAttributeAuthority,
	"authn": metadata.RoleAuthnAuthority,
	"pdp":   metadata.RolePDP,
}

// criteria loads the metadata file and builds resolution criteria for the
// selected peer role.
func (g *globalOptions) criteria(ctx context.Context, p *peerOptions) (*encryption.Criteria, error) {
	data, err := os.ReadFile(p.metadataFile)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	roles := metadata.NewStaticRoleResolver()
	if err := roles.LoadXML(data); err != nil {
		return nil, err
	}

	roleType := p.role
	if alias, ok := roleAliases[strings.ToLower(roleType)]; ok {
		roleType = alias
	}
	role, err := roles.ResolveRole(ctx, p.entityID, roleType, p.protocol)
	if err != nil {
		return nil, err
	}
	if role == nil {
		return nil, fmt.Errorf("no %s for %s in %s", roleType, p.entityID, p.metadataFile)
	}

	chain, err := g.cfg.Chain()
	if err != nil {
		return nil, err
	}
	profile := p.profile
	if profile == "" {
		profile = g.cfg.Resolver.Profile
	}
	return &encryption.Criteria{
		Criteria: metadata.Criteria{
			EntityID:       p.entityID,
			Role:           roleType,
			Protocol:       p.protocol,
			RoleDescriptor: role,
		},
		Configurations:           chain,
		KeyInfoGenerationProfile: profile,
	}, nil
}

func (g *globalOptions) resolver() *encryption.Resolver {
	creds := metadata.NewCredentialResolver(append(g.cfg.CredentialResolverOptions(),
		metadata.WithKeyInfoResolver(credential.BasicKeyInfoResolver{}),
		metadata.WithLogger(g.logger))...)
	return encryption.NewResolver(append(g.cfg.ResolverOptions(),
		encryption.WithCredentialSource(creds),
		encryption.WithLogger(g.logger))...)
}
