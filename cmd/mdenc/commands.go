package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/beevik/etree"
	"github.com/leifj/mdenc/encryption"
	"github.com/leifj/mdenc/internal/config"
	"github.com/leifj/mdenc/xmlenc"
	"github.com/spf13/cobra"
)

var errNoParameters = errors.New("no usable encryption parameters")

func newResolveCmd(g *globalOptions) *cobra.Command {
	var (
		peer peerOptions
		all  bool
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the encryption parameters negotiated for a peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			crit, err := g.criteria(cmd.Context(), &peer)
			if err != nil {
				return err
			}
			seq, err := g.resolver().Resolve(cmd.Context(), crit)
			if err != nil {
				return err
			}
			n := 0
			for p := range seq {
				fmt.Fprintln(cmd.OutOrStdout(), p)
				n++
				if !all {
					break
				}
			}
			if n == 0 {
				return fmt.Errorf("%w for %s", errNoParameters, peer.entityID)
			}
			return nil
		},
	}
	peer.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "print every candidate, most preferred first")
	return cmd
}

func newEncryptCmd(g *globalOptions) *cobra.Command {
	var (
		peer    peerOptions
		element string
		out     string
	)
	cmd := &cobra.Command{
		Use:   "encrypt FILE",
		Short: "Encrypt an XML document, or one element of it, for a peer",
		Long: `Encrypt FILE for the peer selected by --metadata and --entity.

Without --element the whole document is replaced by an EncryptedData
document. With --element the first element matching the etree path is
replaced in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc := etree.NewDocument()
			if err := doc.ReadFromFile(args[0]); err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			crit, err := g.criteria(cmd.Context(), &peer)
			if err != nil {
				return err
			}
			p, err := g.resolver().ResolveSingle(cmd.Context(), crit)
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("%w for %s", errNoParameters, peer.entityID)
			}
			g.logger.Debug("negotiated", "entity_id", peer.entityID, "parameters", p.String())

			enc := encryption.NewEncrypter(g.logger)
			if element != "" {
				elem := doc.FindElement(element)
				if elem == nil {
					return fmt.Errorf("no element matches %s", element)
				}
				if elem == doc.Root() {
					element = ""
				} else if err := enc.EncryptElementInPlace(elem, p); err != nil {
					return err
				}
			}
			if element == "" {
				ed, err := enc.EncryptElement(doc.Root(), p)
				if err != nil {
					return err
				}
				doc = xmlenc.NewEncryptedDataDocument(ed)
			}
			return writeDocument(cmd, doc, out)
		},
	}
	peer.register(cmd)
	cmd.Flags().StringVar(&element, "element", "", "etree path of the element to encrypt")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (stdout when empty)")
	return cmd
}

func newDecryptCmd(g *globalOptions) *cobra.Command {
	var (
		keys []string
		out  string
	)
	cmd := &cobra.Command{
		Use:   "decrypt FILE",
		Short: "Decrypt every EncryptedData element in an XML document",
		Long: `Decrypt FILE with local credentials: PEM files given with --key and
the credentials section of the configuration file, PKCS#11 included.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc := etree.NewDocument()
			if err := doc.ReadFromFile(args[0]); err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}

			creds, closeCreds, err := g.cfg.LocalCredentials()
			if err != nil {
				return err
			}
			defer closeCreds()
			for _, path := range keys {
				c, err := config.LoadPEM(path)
				if err != nil {
					return err
				}
				creds = append(creds, c)
			}
			if len(creds) == 0 {
				return fmt.Errorf("no decryption credentials: use --key or configure credentials")
			}
			dec := encryption.NewDecrypter(creds...)

			if root := doc.Root(); root != nil && root.Tag == "EncryptedData" {
				ed, err := xmlenc.ParseEncryptedData(root)
				if err != nil {
					return err
				}
				elem, err := dec.DecryptElement(ed)
				if err != nil {
					return err
				}
				doc = etree.NewDocument()
				doc.SetRoot(elem)
				return writeDocument(cmd, doc, out)
			}

			found := doc.FindElements("//EncryptedData")
			if len(found) == 0 {
				return fmt.Errorf("no EncryptedData in %s", args[0])
			}
			for _, edElem := range found {
				if err := dec.DecryptElementInPlace(edElem); err != nil {
					return err
				}
			}
			g.logger.Debug("decrypted", "file", args[0], "elements", len(found))
			return writeDocument(cmd, doc, out)
		},
	}
	cmd.Flags().StringSliceVarP(&keys, "key", "k", nil, "PEM file with a private key and optional certificate")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (stdout when empty)")
	return cmd
}

func writeDocument(cmd *cobra.Command, doc *etree.Document, path string) error {
	doc.Indent(2)
	var w io.Writer = cmd.OutOrStdout()
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	_, err := doc.WriteTo(w)
	return err
}
