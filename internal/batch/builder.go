package batch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/esocialgw/internal/compliance/domain"
)

const (
	batchNamespace = "http://www.esocial.gov.br/schema/lote/eventos/envio/v1_1_1"

	inscriptionCNPJ = 1

	groupNonPeriodic = 2
	groupPeriodic    = 3

	defaultProcessVersion = "esocialgw-1.0"
)

var (
	ErrUnsupportedEventType = errors.New("unsupported_event_type")
	ErrMalformedPayload     = errors.New("malformed_payload")
)

// Options carries the deployment identity stamped on every batch.
type Options struct {
	// Environment is tpAmb: 1 production, 2 restricted production.
	Environment    int
	ProcessVersion string

	// Transmitter defaults to the employer when empty.
	TransmitterType     int
	TransmitterDocument string
}

// Builder turns compliance events into unsigned eSocial batches.
type Builder struct {
	opts      Options
	templates map[domain.EventType]template
	validate  *validator.Validate
}

func New(opts Options) *Builder {
	if opts.Environment == 0 {
		opts.Environment = 2
	}
	if strings.TrimSpace(opts.ProcessVersion) == "" {
		opts.ProcessVersion = defaultProcessVersion
	}
	opts.TransmitterDocument = digitsOnly(opts.TransmitterDocument)
	if opts.TransmitterType == 0 {
		opts.TransmitterType = inscriptionCNPJ
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	return &Builder{
		opts:      opts,
		templates: defaultTemplates(),
		validate:  v,
	}
}

// Supports reports whether a template exists for the event type.
func (b *Builder) Supports(eventType domain.EventType) bool {
	_, ok := b.templates[eventType]
	return ok
}

// Code returns the authority's event code (S-xxxx) for an event type.
func (b *Builder) Code(eventType domain.EventType) string {
	if t, ok := b.templates[eventType]; ok {
		return t.Code()
	}
	return ""
}

// Build serializes the event into a batch envelope. The output depends only
// on the event and the builder options.
func (b *Builder) Build(event domain.ComplianceEvent) ([]byte, error) {
	tmpl, ok := b.templates[event.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEventType, event.EventType)
	}

	employer := digitsOnly(event.CompanyID)
	if len(employer) != 14 {
		return nil, fmt.Errorf("%w: company_id must be a 14 digit CNPJ", ErrMalformedPayload)
	}
	subject := digitsOnly(event.SubjectID)
	if len(subject) != 11 {
		return nil, fmt.Errorf("%w: subject_id must be an 11 digit CPF", ErrMalformedPayload)
	}
	if len(bytes.TrimSpace(event.Payload)) == 0 {
		return nil, fmt.Errorf("%w: payload is empty", ErrMalformedPayload)
	}

	head := eventHeader{
		ID:          EventID(employer, event),
		Environment: b.opts.Environment,
		Version:     b.opts.ProcessVersion,
		Employer:    ideEmpregador{TpInsc: inscriptionCNPJ, NrInsc: employer[:8]},
		Subject:     subject,
	}

	body, err := tmpl.Render(head, event, event.Payload, b.validate)
	if err != nil {
		return nil, err
	}

	transmitter := ideTransmissor{TpInsc: b.opts.TransmitterType, NrInsc: b.opts.TransmitterDocument}
	if transmitter.NrInsc == "" {
		transmitter = ideTransmissor{TpInsc: inscriptionCNPJ, NrInsc: employer}
	}

	envelope := batchEnvelope{
		Xmlns: batchNamespace,
		Lote: envioLoteEventos{
			Grupo:       tmpl.Group(),
			Empregador:  ideEmpregador{TpInsc: inscriptionCNPJ, NrInsc: employer[:8]},
			Transmissor: transmitter,
			Eventos: eventos{
				Evento: []evento{{
					ID: head.ID,
					Document: eventDocument{
						Xmlns: tmpl.Namespace(),
						Body:  body,
					},
				}},
			},
		},
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest fingerprints an unsigned batch.
func Digest(xml []byte) string {
	sum := sha256.Sum256(xml)
	return hex.EncodeToString(sum[:])
}

// EventID derives the authority event identifier:
// ID + inscription type + padded CNPJ root + creation timestamp + sequence.
func EventID(employerCNPJ string, event domain.ComplianceEvent) string {
	root := employerCNPJ
	if len(root) > 8 {
		root = root[:8]
	}
	seq := int64(event.ID) % 100000
	if seq < 0 {
		seq = -seq
	}
	return fmt.Sprintf("ID%d%s%s%05d",
		inscriptionCNPJ,
		root+strings.Repeat("0", 14-len(root)),
		event.CreatedAt.UTC().Format("20060102150405"),
		seq,
	)
}

func decodePayload(raw []byte, v *validator.Validate, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fieldPath(fe)+" ("+fe.Tag()+")")
			}
			return fmt.Errorf("%w: missing or invalid fields: %s", ErrMalformedPayload, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}
	return ns
}

func digitsOnly(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
