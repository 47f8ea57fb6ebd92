package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/globalqueiros/stixconnect-sub000/internal/domain/patient"
	"github.com/globalqueiros/stixconnect-sub000/internal/domain/professional"
	"github.com/globalqueiros/stixconnect-sub000/pkg/apperr"
)

type seedProfessional struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Specialty string `yaml:"specialty"`
	// Available defaults to true when omitted.
	Available *bool `yaml:"available"`
}

type seedPatient struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type seedFile struct {
	Professionals []seedProfessional `yaml:"professionals"`
	Patients      []seedPatient      `yaml:"patients"`
}

func loadSeed(path string) (*seedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return parseSeed(raw)
}

func parseSeed(raw []byte) (*seedFile, error) {
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, p := range f.Professionals {
		if p.ID == "" {
			return nil, fmt.Errorf("professionals[%d]: id is required so seeding stays idempotent", i)
		}
		if _, err := uuid.Parse(p.ID); err != nil {
			return nil, fmt.Errorf("professionals[%d]: invalid id %q", i, p.ID)
		}
		if !professional.Type(p.Type).Valid() {
			return nil, fmt.Errorf("professionals[%d]: type must be nurse or physician, got %q", i, p.Type)
		}
	}
	for i, p := range f.Patients {
		if _, err := uuid.Parse(p.ID); err != nil {
			return nil, fmt.Errorf("patients[%d]: invalid id %q", i, p.ID)
		}
		if p.Name == "" {
			return nil, fmt.Errorf("patients[%d]: name is required", i)
		}
	}
	return &f, nil
}

func (p seedProfessional) toModel() *professional.Professional {
	m := &professional.Professional{
		ID:        uuid.MustParse(p.ID),
		Name:      p.Name,
		Type:      professional.Type(p.Type),
		Available: p.Available == nil || *p.Available,
	}
	if p.Specialty != "" {
		sp := p.Specialty
		m.Specialty = &sp
	}
	return m
}

type txRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type professionalStore interface {
	Get(ctx context.Context, id uuid.UUID) (*professional.Professional, error)
	Create(ctx context.Context, p *professional.Professional) error
}

type patientStore interface {
	Create(ctx context.Context, p *patient.Patient) error
}

type seeder struct {
	tx            txRunner
	professionals professionalStore
	patients      patientStore
}

type seedResult struct {
	professionalsCreated int
	professionalsSkipped int
	patients             int
}

// apply writes the fixture in one transaction. Professionals that already
// exist are left untouched so live availability is never reset; patients are
// upserted.
func (s *seeder) apply(ctx context.Context, f *seedFile) (seedResult, error) {
	var res seedResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		res = seedResult{}
		for _, sp := range f.Professionals {
			m := sp.toModel()
			_, err := s.professionals.Get(ctx, m.ID)
			if err == nil {
				res.professionalsSkipped++
				continue
			}
			if !apperr.IsKind(err, apperr.KindNotFound) {
				return err
			}
			if err := s.professionals.Create(ctx, m); err != nil {
				return fmt.Errorf("seed professional %s: %w", m.ID, err)
			}
			res.professionalsCreated++
		}
		for _, sp := range f.Patients {
			p := &patient.Patient{ID: uuid.MustParse(sp.ID), Name: sp.Name, Active: true}
			if err := s.patients.Create(ctx, p); err != nil {
				return fmt.Errorf("seed patient %s: %w", p.ID, err)
			}
			res.patients++
		}
		return nil
	})
	return res, err
}
