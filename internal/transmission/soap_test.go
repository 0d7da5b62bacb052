package transmission

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const signedBatch = `<?xml version="1.0" encoding="UTF-8"?>
<eSocial xmlns="http://www.esocial.gov.br/schema/lote/eventos/envio/v1_1_1"><envioLoteEventos grupo="2"><eventos><evento Id="ID1"><eSocial><ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#"><ds:SignatureValue>abc</ds:SignatureValue></ds:Signature></eSocial></evento></eventos></envioLoteEventos></eSocial>`

func submitResponseXML(code int, protocol, occurrence string) string {
	occ := ""
	if occurrence != "" {
		occ = `<ocorrencias><ocorrencia><tipo>1</tipo><codigo>142</codigo><descricao>` + occurrence + `</descricao></ocorrencia></ocorrencias>`
	}
	proto := ""
	if protocol != "" {
		proto = `<dadosRecepcaoLote><dhRecepcao>2026-03-02T10:00:01</dhRecepcao><protocoloEnvio>` + protocol + `</protocoloEnvio></dadosRecepcaoLote>`
	}
	return `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>` +
		`<EnviarLoteEventosResponse xmlns="http://www.esocial.gov.br/servicos/empregador/lote/eventos/envio/v1_1_0"><EnviarLoteEventosResult>` +
		`<eSocial xmlns="http://www.esocial.gov.br/schema/lote/eventos/envio/retornoEnvio/v1_1_0"><retornoEnvioLoteEventos>` +
		`<status><cdResposta>` + strconv.Itoa(code) + `</cdResposta><descResposta>status text</descResposta>` + occ + `</status>` + proto +
		`</retornoEnvioLoteEventos></eSocial></EnviarLoteEventosResult></EnviarLoteEventosResponse></s:Body></s:Envelope>`
}

func queryResponseXML(batchCode int, eventCode int, receipt, occurrence string) string {
	events := ""
	if eventCode != 0 {
		occ := ""
		if occurrence != "" {
			occ = `<ocorrencias><ocorrencia><tipo>1</tipo><codigo>1234</codigo><descricao>` + occurrence + `</descricao></ocorrencia></ocorrencias>`
		}
		rec := ""
		if receipt != "" {
			rec = `<recibo><nrRecibo>` + receipt + `</nrRecibo></recibo>`
		}
		events = `<retornoEventos><evento Id="ID1"><retornoEvento><eSocial><retornoEvento>` +
			`<processamento><cdResposta>` + strconv.Itoa(eventCode) + `</cdResposta><descResposta>event text</descResposta>` + occ + `</processamento>` + rec +
			`</retornoEvento></eSocial></retornoEvento></evento></retornoEventos>`
	}
	return `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>` +
		`<ConsultarLoteEventosResponse><ConsultarLoteEventosResult><eSocial><retornoProcessamentoLoteEventos>` +
		`<status><cdResposta>` + strconv.Itoa(batchCode) + `</cdResposta><descResposta>batch text</descResposta></status>` + events +
		`</retornoProcessamentoLoteEventos></eSocial></ConsultarLoteEventosResult></ConsultarLoteEventosResponse></s:Body></s:Envelope>`
}

const clientFault = `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault><faultcode>s:Client</faultcode><faultstring>bad request</faultstring></s:Fault></s:Body></s:Envelope>`
const serverFault = `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault><faultcode>s:Server</faultcode><faultstring>try later</faultstring></s:Fault></s:Body></s:Envelope>`

func newTestClient(t *testing.T, handler http.HandlerFunc) *SOAPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSOAPClient(AdapterConfig{
		SubmitURL: srv.URL + "/submit",
		QueryURL:  srv.URL + "/query",
		Timeout:   2 * time.Second,
	})
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestSubmitReturnsProtocol(t *testing.T) {
	var gotAction, gotBody string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.Header.Get("SOAPAction")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		respond(http.StatusOK, submitResponseXML(201, "1.2.202603.0000000000000000001", ""))(w, r)
	})

	protocol, err := client.Submit(context.Background(), []byte(signedBatch))
	require.NoError(t, err)
	assert.Equal(t, "1.2.202603.0000000000000000001", protocol)
	assert.Equal(t, `"`+submitAction+`"`, gotAction)
	assert.NotContains(t, gotBody, "<?xml")
	assert.Contains(t, gotBody, stripDeclarationString(signedBatch))
}

func stripDeclarationString(s string) string {
	return string(stripDeclaration([]byte(s)))
}

func TestSubmitClassification(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"structural rejection", respond(http.StatusOK, submitResponseXML(401, "", "schema error")), ErrServiceRejectedBatch},
		{"temporary service error", respond(http.StatusOK, submitResponseXML(301, "", "")), ErrRetryable},
		{"server error code", respond(http.StatusOK, submitResponseXML(501, "", "")), ErrRetryable},
		{"accepted without protocol", respond(http.StatusOK, submitResponseXML(201, "", "")), ErrFatal},
		{"http 503", respond(http.StatusServiceUnavailable, "unavailable"), ErrRetryable},
		{"http 429", respond(http.StatusTooManyRequests, ""), ErrRetryable},
		{"http 400", respond(http.StatusBadRequest, "bad"), ErrFatal},
		{"client fault", respond(http.StatusInternalServerError, clientFault), ErrFatal},
		{"server fault", respond(http.StatusInternalServerError, serverFault), ErrRetryable},
		{"garbage body", respond(http.StatusOK, "not xml at all <"), ErrFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, tc.handler)
			_, err := client.Submit(context.Background(), []byte(signedBatch))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSubmitRejectionCarriesOccurrences(t *testing.T) {
	client := newTestClient(t, respond(http.StatusOK, submitResponseXML(402, "", "invalid schema at evtAdmissao")))
	_, err := client.Submit(context.Background(), []byte(signedBatch))
	require.ErrorIs(t, err, ErrServiceRejectedBatch)
	assert.Contains(t, err.Error(), "invalid schema at evtAdmissao")
}

func TestSubmitTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	client := NewSOAPClient(AdapterConfig{
		SubmitURL:  srv.URL,
		QueryURL:   srv.URL,
		HTTPClient: &http.Client{Timeout: 50 * time.Millisecond},
	})
	_, err := client.Submit(context.Background(), []byte(signedBatch))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestQueryStatus(t *testing.T) {
	cases := []struct {
		name string
		body string
		want StatusResult
	}{
		{"awaiting", queryResponseXML(101, 0, "", ""), StatusResult{State: StatePending}},
		{"accepted", queryResponseXML(201, 201, "1.1.0000000000000000001", ""), StatusResult{State: StateAccepted, ReceiptID: "1.1.0000000000000000001"}},
		{"rejected", queryResponseXML(201, 401, "", "invalid CPF"), StatusResult{State: StateRejected, Reason: "invalid CPF"}},
		{"rejected without occurrences", queryResponseXML(201, 401, "", ""), StatusResult{State: StateRejected, Reason: "event text"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotBody string
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				raw, _ := io.ReadAll(r.Body)
				gotBody = string(raw)
				respond(http.StatusOK, tc.body)(w, r)
			})
			got, err := client.QueryStatus(context.Background(), "1.2.202603.0000000000000000001")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Contains(t, gotBody, "<protocoloEnvio>1.2.202603.0000000000000000001</protocoloEnvio>")
		})
	}
}

func TestQueryStatusErrors(t *testing.T) {
	client := newTestClient(t, respond(http.StatusOK, queryResponseXML(301, 0, "", "")))
	_, err := client.QueryStatus(context.Background(), "p")
	assert.ErrorIs(t, err, ErrRetryable)

	client = newTestClient(t, respond(http.StatusOK, queryResponseXML(404, 0, "", "")))
	_, err = client.QueryStatus(context.Background(), "p")
	assert.ErrorIs(t, err, ErrFatal)

	_, err = client.QueryStatus(context.Background(), " ")
	assert.ErrorIs(t, err, ErrFatal)
}

func TestQueryEnvelopeEscapesProtocol(t *testing.T) {
	env := string(queryEnvelope("a<b&c"))
	assert.Contains(t, env, "<protocoloEnvio>a&lt;b&amp;c</protocoloEnvio>")
}
