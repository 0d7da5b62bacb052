package batch

import (
	"encoding/xml"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/esocialgw/internal/compliance/domain"
)

const (
	dateLayout   = "2006-01-02"
	periodLayout = "2006-01"

	defaultSalaryUnit   = 5 // per month
	defaultContractType = 1 // indefinite term
	defaultCategory     = 101
)

type template interface {
	Code() string
	Group() int
	Namespace() string
	Render(head eventHeader, event domain.ComplianceEvent, raw []byte, v *validator.Validate) (any, error)
}

// typedTemplate binds a payload shape to the document it renders.
type typedTemplate[P any] struct {
	code      string
	group     int
	namespace string
	render    func(head eventHeader, event domain.ComplianceEvent, p *P) any
}

func (t typedTemplate[P]) Code() string      { return t.code }
func (t typedTemplate[P]) Group() int        { return t.group }
func (t typedTemplate[P]) Namespace() string { return t.namespace }

func (t typedTemplate[P]) Render(head eventHeader, event domain.ComplianceEvent, raw []byte, v *validator.Validate) (any, error) {
	var payload P
	if err := decodePayload(raw, v, &payload); err != nil {
		return nil, err
	}
	return t.render(head, event, &payload), nil
}

func defaultTemplates() map[domain.EventType]template {
	return map[domain.EventType]template{
		domain.EventTypeAdmission: typedTemplate[AdmissionPayload]{
			code:      "S-2200",
			group:     groupNonPeriodic,
			namespace: "http://www.esocial.gov.br/schema/evt/evtAdmissao/v_S_01_02_00",
			render:    renderAdmission,
		},
		domain.EventTypeTermination: typedTemplate[TerminationPayload]{
			code:      "S-2299",
			group:     groupNonPeriodic,
			namespace: "http://www.esocial.gov.br/schema/evt/evtDeslig/v_S_01_02_00",
			render:    renderTermination,
		},
		domain.EventTypeContractChange: typedTemplate[ContractChangePayload]{
			code:      "S-2206",
			group:     groupNonPeriodic,
			namespace: "http://www.esocial.gov.br/schema/evt/evtAltContratual/v_S_01_02_00",
			render:    renderContractChange,
		},
		domain.EventTypePayroll: typedTemplate[PayrollPayload]{
			code:      "S-1200",
			group:     groupPeriodic,
			namespace: "http://www.esocial.gov.br/schema/evt/evtRemun/v_S_01_02_00",
			render:    renderPayroll,
		},
		domain.EventTypeLeave: typedTemplate[LeavePayload]{
			code:      "S-2230",
			group:     groupNonPeriodic,
			namespace: "http://www.esocial.gov.br/schema/evt/evtAfastTemp/v_S_01_02_00",
			render:    renderLeave,
		},
	}
}

type remuneracao struct {
	VrSalFx    string `xml:"vrSalFx"`
	UndSalFixo int    `xml:"undSalFixo"`
}

// S-2200

type AdmissionPayload struct {
	Name         string `json:"name" validate:"required,max=70"`
	BirthDate    string `json:"birth_date" validate:"required,datetime=2006-01-02"`
	Sex          string `json:"sex" validate:"required,oneof=M F"`
	Registration string `json:"registration" validate:"required,max=30"`
	JobTitle     string `json:"job_title" validate:"required,max=100"`
	CBO          string `json:"cbo" validate:"required,len=6,numeric"`
	Salary       string `json:"salary" validate:"required,numeric"`
	SalaryUnit   int    `json:"salary_unit" validate:"omitempty,min=1,max=7"`
	ContractType int    `json:"contract_type" validate:"omitempty,oneof=1 2 3"`
}

type evtAdmissao struct {
	XMLName       xml.Name      `xml:"evtAdmissao"`
	ID            string        `xml:"Id,attr"`
	IdeEvento     ideEvento     `xml:"ideEvento"`
	IdeEmpregador ideEmpregador `xml:"ideEmpregador"`
	Trabalhador   struct {
		CpfTrab  string `xml:"cpfTrab"`
		NmTrab   string `xml:"nmTrab"`
		Sexo     string `xml:"sexo"`
		DtNascto string `xml:"nascimento>dtNascto"`
	} `xml:"trabalhador"`
	Vinculo struct {
		Matricula  string `xml:"matricula"`
		TpRegTrab  int    `xml:"tpRegTrab"`
		TpRegPrev  int    `xml:"tpRegPrev"`
		DtAdm      string `xml:"infoRegimeTrab>infoCeletista>dtAdm"`
		TpAdmissao int    `xml:"infoRegimeTrab>infoCeletista>tpAdmissao"`
		Contrato   struct {
			NmCargo     string      `xml:"nmCargo"`
			CBOCargo    string      `xml:"CBOCargo"`
			Remuneracao remuneracao `xml:"remuneracao"`
			TpContr     int         `xml:"duracao>tpContr"`
		} `xml:"infoContrato"`
	} `xml:"vinculo"`
}

func renderAdmission(head eventHeader, event domain.ComplianceEvent, p *AdmissionPayload) any {
	doc := evtAdmissao{ID: head.ID, IdeEvento: head.ideEvento(), IdeEmpregador: head.Employer}
	doc.Trabalhador.CpfTrab = head.Subject
	doc.Trabalhador.NmTrab = p.Name
	doc.Trabalhador.Sexo = p.Sex
	doc.Trabalhador.DtNascto = p.BirthDate
	doc.Vinculo.Matricula = p.Registration
	doc.Vinculo.TpRegTrab = 1
	doc.Vinculo.TpRegPrev = 1
	doc.Vinculo.DtAdm = event.ReferenceDate.Format(dateLayout)
	doc.Vinculo.TpAdmissao = 1
	doc.Vinculo.Contrato.NmCargo = p.JobTitle
	doc.Vinculo.Contrato.CBOCargo = p.CBO
	doc.Vinculo.Contrato.Remuneracao = remuneracao{VrSalFx: p.Salary, UndSalFixo: orDefault(p.SalaryUnit, defaultSalaryUnit)}
	doc.Vinculo.Contrato.TpContr = orDefault(p.ContractType, defaultContractType)
	return doc
}

// S-2299

type TerminationPayload struct {
	Registration string `json:"registration" validate:"required,max=30"`
	Reason       string `json:"reason" validate:"required,len=2,numeric"`
	NoticeDate   string `json:"notice_date" validate:"omitempty,datetime=2006-01-02"`
}

type evtDeslig struct {
	XMLName       xml.Name      `xml:"evtDeslig"`
	ID            string        `xml:"Id,attr"`
	IdeEvento     ideEvento     `xml:"ideEvento"`
	IdeEmpregador ideEmpregador `xml:"ideEmpregador"`
	Vinculo       struct {
		CpfTrab   string `xml:"cpfTrab"`
		Matricula string `xml:"matricula"`
	} `xml:"ideVinculo"`
	Deslig struct {
		MtvDeslig string `xml:"mtvDeslig"`
		DtDeslig  string `xml:"dtDeslig"`
		DtAvPrv   string `xml:"dtAvPrv,omitempty"`
	} `xml:"infoDeslig"`
}

func renderTermination(head eventHeader, event domain.ComplianceEvent, p *TerminationPayload) any {
	doc := evtDeslig{ID: head.ID, IdeEvento: head.ideEvento(), IdeEmpregador: head.Employer}
	doc.Vinculo.CpfTrab = head.Subject
	doc.Vinculo.Matricula = p.Registration
	doc.Deslig.MtvDeslig = p.Reason
	doc.Deslig.DtDeslig = event.ReferenceDate.Format(dateLayout)
	doc.Deslig.DtAvPrv = p.NoticeDate
	return doc
}

// S-2206

type ContractChangePayload struct {
	Registration string `json:"registration" validate:"required,max=30"`
	JobTitle     string `json:"job_title" validate:"required,max=100"`
	CBO          string `json:"cbo" validate:"required,len=6,numeric"`
	Salary       string `json:"salary" validate:"required,numeric"`
	SalaryUnit   int    `json:"salary_unit" validate:"omitempty,min=1,max=7"`
	ContractType int    `json:"contract_type" validate:"omitempty,oneof=1 2 3"`
}

type evtAltContratual struct {
	XMLName       xml.Name      `xml:"evtAltContratual"`
	ID            string        `xml:"Id,attr"`
	IdeEvento     ideEvento     `xml:"ideEvento"`
	IdeEmpregador ideEmpregador `xml:"ideEmpregador"`
	Vinculo       struct {
		CpfTrab   string `xml:"cpfTrab"`
		Matricula string `xml:"matricula"`
	} `xml:"ideVinculo"`
	Alteracao struct {
		DtAlteracao string `xml:"dtAlteracao"`
		Contrato    struct {
			NmCargo     string      `xml:"nmCargo"`
			CBOCargo    string      `xml:"CBOCargo"`
			Remuneracao remuneracao `xml:"remuneracao"`
			TpContr     int         `xml:"duracao>tpContr"`
		} `xml:"infoContrato"`
	} `xml:"altContratual"`
}

func renderContractChange(head eventHeader, event domain.ComplianceEvent, p *ContractChangePayload) any {
	doc := evtAltContratual{ID: head.ID, IdeEvento: head.ideEvento(), IdeEmpregador: head.Employer}
	doc.Vinculo.CpfTrab = head.Subject
	doc.Vinculo.Matricula = p.Registration
	doc.Alteracao.DtAlteracao = event.ReferenceDate.Format(dateLayout)
	doc.Alteracao.Contrato.NmCargo = p.JobTitle
	doc.Alteracao.Contrato.CBOCargo = p.CBO
	doc.Alteracao.Contrato.Remuneracao = remuneracao{VrSalFx: p.Salary, UndSalFixo: orDefault(p.SalaryUnit, defaultSalaryUnit)}
	doc.Alteracao.Contrato.TpContr = orDefault(p.ContractType, defaultContractType)
	return doc
}

// S-1200

type PayrollItem struct {
	Code   string `json:"code" validate:"required,max=30"`
	Table  string `json:"table" validate:"required,max=8"`
	Amount string `json:"amount" validate:"required,numeric"`
}

type PayrollPayload struct {
	StatementID string        `json:"statement_id" validate:"required,max=30"`
	Category    int           `json:"category" validate:"omitempty,min=101,max=905"`
	Items       []PayrollItem `json:"items" validate:"required,min=1,dive"`
}

type itensRemun struct {
	CodRubr    string `xml:"codRubr"`
	IdeTabRubr string `xml:"ideTabRubr"`
	VrRubr     string `xml:"vrRubr"`
}

type evtRemun struct {
	XMLName       xml.Name      `xml:"evtRemun"`
	ID            string        `xml:"Id,attr"`
	IdeEvento     ideEvento     `xml:"ideEvento"`
	IdeEmpregador ideEmpregador `xml:"ideEmpregador"`
	CpfTrab       string        `xml:"ideTrabalhador>cpfTrab"`
	DmDev         struct {
		IdeDmDev string       `xml:"ideDmDev"`
		CodCateg int          `xml:"codCateg"`
		Itens    []itensRemun `xml:"infoPerApur>ideEstabLot>remunPerApur>itensRemun"`
	} `xml:"dmDev"`
}

func renderPayroll(head eventHeader, event domain.ComplianceEvent, p *PayrollPayload) any {
	ide := head.ideEvento()
	ide.IndApuracao = 1
	ide.PerApur = event.ReferenceDate.Format(periodLayout)

	doc := evtRemun{ID: head.ID, IdeEvento: ide, IdeEmpregador: head.Employer, CpfTrab: head.Subject}
	doc.DmDev.IdeDmDev = p.StatementID
	doc.DmDev.CodCateg = orDefault(p.Category, defaultCategory)
	doc.DmDev.Itens = make([]itensRemun, 0, len(p.Items))
	for _, item := range p.Items {
		doc.DmDev.Itens = append(doc.DmDev.Itens, itensRemun{
			CodRubr:    item.Code,
			IdeTabRubr: item.Table,
			VrRubr:     item.Amount,
		})
	}
	return doc
}

// S-2230

type LeavePayload struct {
	Registration string `json:"registration" validate:"required,max=30"`
	Reason       string `json:"reason" validate:"required,len=2,numeric"`
	EndDate      string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
}

type evtAfastTemp struct {
	XMLName       xml.Name      `xml:"evtAfastTemp"`
	ID            string        `xml:"Id,attr"`
	IdeEvento     ideEvento     `xml:"ideEvento"`
	IdeEmpregador ideEmpregador `xml:"ideEmpregador"`
	Vinculo       struct {
		CpfTrab   string `xml:"cpfTrab"`
		Matricula string `xml:"matricula"`
	} `xml:"ideVinculo"`
	Afast struct {
		DtIniAfast  string          `xml:"iniAfastamento>dtIniAfast"`
		CodMotAfast string          `xml:"iniAfastamento>codMotAfast"`
		Fim         *fimAfastamento `xml:"fimAfastamento,omitempty"`
	} `xml:"infoAfastamento"`
}

type fimAfastamento struct {
	DtTermAfast string `xml:"dtTermAfast"`
}

func renderLeave(head eventHeader, event domain.ComplianceEvent, p *LeavePayload) any {
	doc := evtAfastTemp{ID: head.ID, IdeEvento: head.ideEvento(), IdeEmpregador: head.Employer}
	doc.Vinculo.CpfTrab = head.Subject
	doc.Vinculo.Matricula = p.Registration
	doc.Afast.DtIniAfast = event.ReferenceDate.Format(dateLayout)
	doc.Afast.CodMotAfast = p.Reason
	if p.EndDate != "" {
		doc.Afast.Fim = &fimAfastamento{DtTermAfast: p.EndDate}
	}
	return doc
}

func orDefault(value, def int) int {
	if value == 0 {
		return def
	}
	return value
}
