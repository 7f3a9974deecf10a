package services

import (
	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/correlation"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/index"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
)

// Pipeline runs the event handling path: index, operator rules, incident store, and
// a correlation trigger. Alert events emitted by the correlation engine re-enter the
// path without re-triggering correlation.
type Pipeline struct {
	index     *index.Index
	rules     *RuleService
	incidents *IncidentService
	engine    *correlation.Engine
}

// NewPipeline wires the services together and registers the pipeline as the
// correlation engine's alert handler
func NewPipeline(idx *index.Index, rules *RuleService, incidents *IncidentService, engine *correlation.Engine) *Pipeline {
	p := &Pipeline{
		index:     idx,
		rules:     rules,
		incidents: incidents,
		engine:    engine,
	}
	if engine != nil {
		engine.OnAlert(p.handleAlert)
	}
	return p
}

// Handle indexes one event, applies the operator rules to it, and requests a
// correlation pass. It returns the incident created by the operator rules, if any,
// and false when the index rejected the event.
func (p *Pipeline) Handle(event models.Event) (*models.Incident, bool) {
	incident, ok := p.process(event)
	if !ok {
		return nil, false
	}
	if p.engine != nil {
		p.engine.Trigger()
	}
	return incident, true
}

func (p *Pipeline) handleAlert(alert models.Event) {
	if _, ok := p.process(alert); !ok {
		logrus.Warnf("Correlation alert %s was not indexed", alert.ID)
	}
}

func (p *Pipeline) process(event models.Event) (*models.Incident, bool) {
	if !p.index.Add(event) {
		logrus.Debugf("Event %s rejected by index", event.ID)
		return nil, false
	}

	incident := p.rules.ProcessEvent(event)
	if incident == nil {
		return nil, true
	}
	p.incidents.Add(incident)
	return incident, true
}
