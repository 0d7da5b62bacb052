package batch

import "encoding/xml"

type batchEnvelope struct {
	XMLName xml.Name         `xml:"eSocial"`
	Xmlns   string           `xml:"xmlns,attr"`
	Lote    envioLoteEventos `xml:"envioLoteEventos"`
}

type envioLoteEventos struct {
	Grupo       int            `xml:"grupo,attr"`
	Empregador  ideEmpregador  `xml:"ideEmpregador"`
	Transmissor ideTransmissor `xml:"ideTransmissor"`
	Eventos     eventos        `xml:"eventos"`
}

type ideEmpregador struct {
	TpInsc int    `xml:"tpInsc"`
	NrInsc string `xml:"nrInsc"`
}

type ideTransmissor struct {
	TpInsc int    `xml:"tpInsc"`
	NrInsc string `xml:"nrInsc"`
}

type eventos struct {
	Evento []evento `xml:"evento"`
}

type evento struct {
	ID       string        `xml:"Id,attr"`
	Document eventDocument `xml:"eSocial"`
}

// eventDocument is the signed unit: one event wrapped in its own namespace.
type eventDocument struct {
	XMLName xml.Name `xml:"eSocial"`
	Xmlns   string   `xml:"xmlns,attr"`
	Body    any
}

type ideEvento struct {
	IndRetif    int    `xml:"indRetif"`
	IndApuracao int    `xml:"indApuracao,omitempty"`
	PerApur     string `xml:"perApur,omitempty"`
	TpAmb       int    `xml:"tpAmb"`
	ProcEmi     int    `xml:"procEmi"`
	VerProc     string `xml:"verProc"`
}

// eventHeader is the part of every event document shared across templates.
type eventHeader struct {
	ID          string
	Environment int
	Version     string
	Employer    ideEmpregador
	Subject     string
}

func (h eventHeader) ideEvento() ideEvento {
	return ideEvento{
		IndRetif: 1,
		TpAmb:    h.Environment,
		ProcEmi:  1,
		VerProc:  h.Version,
	}
}
