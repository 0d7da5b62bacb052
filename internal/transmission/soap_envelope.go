package transmission

import (
	"bytes"
	"encoding/xml"
	"strings"
)

const (
	soapNamespace = "http://schemas.xmlsoap.org/soap/envelope/"

	submitServiceNamespace = "http://www.esocial.gov.br/servicos/empregador/lote/eventos/envio/v1_1_0"
	submitAction           = submitServiceNamespace + "/ServicoEnviarLoteEventos/EnviarLoteEventos"

	queryServiceNamespace = "http://www.esocial.gov.br/servicos/empregador/lote/eventos/envio/consulta/retornoProcessamento/v1_1_0"
	queryAction           = queryServiceNamespace + "/ServicoConsultarLoteEventos/ConsultarLoteEventos"
	querySchemaNamespace  = "http://www.esocial.gov.br/schema/lote/eventos/envio/consulta/retornoProcessamento/v1_0_0"
)

// Response codes (cdResposta) returned by the web service.
const (
	codeBatchAwaiting  = 101
	codeBatchReceived  = 201
	codeBatchProcessed = 202
)

// submitEnvelope wraps a signed batch without touching its bytes, so the
// embedded signatures stay valid.
func submitEnvelope(signedXML []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<soapenv:Envelope xmlns:soapenv="` + soapNamespace + `" xmlns:v1="` + submitServiceNamespace + `">`)
	buf.WriteString(`<soapenv:Header/><soapenv:Body><v1:EnviarLoteEventos><v1:loteEventos>`)
	buf.Write(stripDeclaration(signedXML))
	buf.WriteString(`</v1:loteEventos></v1:EnviarLoteEventos></soapenv:Body></soapenv:Envelope>`)
	return buf.Bytes()
}

func queryEnvelope(protocolID string) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<soapenv:Envelope xmlns:soapenv="` + soapNamespace + `" xmlns:v1="` + queryServiceNamespace + `">`)
	buf.WriteString(`<soapenv:Header/><soapenv:Body><v1:ConsultarLoteEventos><v1:consulta>`)
	buf.WriteString(`<eSocial xmlns="` + querySchemaNamespace + `"><consultaLoteEventos><protocoloEnvio>`)
	_ = xml.EscapeText(&buf, []byte(protocolID))
	buf.WriteString(`</protocoloEnvio></consultaLoteEventos></eSocial>`)
	buf.WriteString(`</v1:consulta></v1:ConsultarLoteEventos></soapenv:Body></soapenv:Envelope>`)
	return buf.Bytes()
}

func stripDeclaration(doc []byte) []byte {
	trimmed := bytes.TrimSpace(doc)
	if bytes.HasPrefix(trimmed, []byte("<?xml")) {
		if end := bytes.Index(trimmed, []byte("?>")); end >= 0 {
			return bytes.TrimSpace(trimmed[end+2:])
		}
	}
	return trimmed
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

// clientFault reports a SOAP 1.1 fault blamed on the request.
func (f *soapFault) clientFault() bool {
	code := f.Code
	if idx := strings.LastIndex(code, ":"); idx >= 0 {
		code = code[idx+1:]
	}
	return strings.HasPrefix(code, "Client")
}

type occurrence struct {
	Code        string `xml:"codigo"`
	Description string `xml:"descricao"`
	Type        int    `xml:"tipo"`
}

type responseStatus struct {
	Code        int          `xml:"cdResposta"`
	Description string       `xml:"descResposta"`
	Occurrences []occurrence `xml:"ocorrencias>ocorrencia"`
}

// reason joins occurrence descriptions, falling back to the status text.
func (s responseStatus) reason() string {
	parts := make([]string, 0, len(s.Occurrences))
	for _, o := range s.Occurrences {
		if d := strings.TrimSpace(o.Description); d != "" {
			parts = append(parts, d)
		}
	}
	if len(parts) == 0 {
		return strings.TrimSpace(s.Description)
	}
	return strings.Join(parts, "; ")
}

type submitResponse struct {
	Fault  *soapFault `xml:"Body>Fault"`
	Result struct {
		Status   responseStatus `xml:"status"`
		Protocol string         `xml:"dadosRecepcaoLote>protocoloEnvio"`
	} `xml:"Body>EnviarLoteEventosResponse>EnviarLoteEventosResult>eSocial>retornoEnvioLoteEventos"`
}

type eventResult struct {
	ID         string         `xml:"Id,attr"`
	Processing responseStatus `xml:"retornoEvento>eSocial>retornoEvento>processamento"`
	Receipt    string         `xml:"retornoEvento>eSocial>retornoEvento>recibo>nrRecibo"`
}

type queryResponse struct {
	Fault  *soapFault `xml:"Body>Fault"`
	Result struct {
		Status responseStatus `xml:"status"`
		Events []eventResult  `xml:"retornoEventos>evento"`
	} `xml:"Body>ConsultarLoteEventosResponse>ConsultarLoteEventosResult>eSocial>retornoProcessamentoLoteEventos"`
}
