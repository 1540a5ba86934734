package service

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/edgewire/appfn/appcontext"
	"github.com/edgewire/appfn/config"
	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/message"
	"github.com/edgewire/appfn/messaging"
	"github.com/edgewire/appfn/pipeline"
	"github.com/edgewire/appfn/runtime"
	"github.com/edgewire/appfn/secret"
	"github.com/edgewire/appfn/trigger"
)

// Service is the binding the triggers consume. The methods below
// delegate to the runtime and the other components the service owns.
var _ trigger.ServiceBinding = (*Service)(nil)

// DecodeMessage decodes the envelope into the runtime's target.
func (s *Service) DecodeMessage(appCtx *appcontext.Context, envelope message.Envelope) (any, *runtime.MessageError) {
	return s.rt.DecodeMessage(appCtx, envelope)
}

// ProcessMessage runs one pipeline against decoded data.
func (s *Service) ProcessMessage(appCtx *appcontext.Context, data any, p *pipeline.FunctionPipeline) *runtime.MessageError {
	return s.rt.ProcessMessage(appCtx, data, p)
}

// GetMatchingPipelines returns the pipelines matching the topic.
func (s *Service) GetMatchingPipelines(topic string) []*pipeline.FunctionPipeline {
	return s.rt.GetMatchingPipelines(topic)
}

// GetDefaultPipeline returns the default pipeline.
func (s *Service) GetDefaultPipeline() *pipeline.FunctionPipeline {
	return s.rt.GetDefaultPipeline()
}

// BuildContext creates a message context carrying the envelope's
// correlation id and content type plus the service's container.
func (s *Service) BuildContext(envelope message.Envelope) *appcontext.Context {
	return appcontext.New(envelope.CorrelationID, s.dic, envelope.ContentType)
}

// Config returns the service configuration.
func (s *Service) Config() *config.ServiceConfig { return s.cfg }

// MessagingClient returns the bus client.
func (s *Service) MessagingClient() messaging.Client { return s.msgClient }

// SecretProvider returns the secret provider.
func (s *Service) SecretProvider() secret.Provider { return s.secretProvider }

// Logger returns the service logger.
func (s *Service) Logger() *slog.Logger { return s.logger }

// LoadCustomConfig fills cfg from the named top-level section of the
// service's configuration file. Section names match case-insensitively
// so they follow the same rules as the known sections.
func (s *Service) LoadCustomConfig(cfg any, sectionName string) error {
	if cfg == nil {
		return errkind.New(errkind.KindContractInvalid, "custom configuration target is nil")
	}

	path := s.flags.ConfigFilePath()
	raw, err := os.ReadFile(path)
	if err != nil {
		return errkind.Wrap(errkind.KindServerError, "failed to read configuration file", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return errkind.Wrap(errkind.KindContractInvalid, "failed to parse configuration file", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return errkind.Newf(errkind.KindEntityDoesNotExist,
			"configuration file %s has no sections", path)
	}

	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		if strings.EqualFold(root.Content[i].Value, sectionName) {
			if err := root.Content[i+1].Decode(cfg); err != nil {
				return errkind.Wrap(errkind.KindContractInvalid,
					fmt.Sprintf("failed to decode configuration section %s", sectionName), err)
			}
			s.logger.Debug("loaded custom configuration section",
				slog.String("section", sectionName))
			return nil
		}
	}

	return errkind.Newf(errkind.KindEntityDoesNotExist,
		"configuration section %s not found in %s", sectionName, path)
}
