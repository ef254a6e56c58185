package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/joho/godotenv"
	"github.com/npezzotti/go-clinic/internal/appointment"
	"github.com/npezzotti/go-clinic/internal/database"
	"github.com/npezzotti/go-clinic/internal/types"
	"golang.org/x/crypto/bcrypt"
)

// every seeded account signs in with this password
const demoPassword = "password123"

func main() {
	logger := log.New(os.Stderr, "[go-clinic-seed] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Fatal("load .env:", err)
	}

	dsn := flag.String("dsn", os.Getenv("DATABASE_DSN"), "database connection string")
	institutions := flag.Int("institutions", 3, "number of institutions")
	doctors := flag.Int("doctors", 10, "number of doctors")
	patients := flag.Int("patients", 50, "number of patients")
	perPatient := flag.Int("appointments", 3, "appointments per patient")
	flag.Parse()

	if *dsn == "" {
		logger.Fatal("-dsn or DATABASE_DSN is required")
	}

	repo, err := database.NewPgGoClinicRepository(*dsn)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer repo.Close()

	if err := repo.Migrate(); err != nil {
		logger.Fatal("db migrate:", err)
	}

	gofakeit.Seed(time.Now().UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	s := &seeder{repo: repo, log: logger}
	if err := s.run(ctx, *institutions, *doctors, *patients, *perPatient); err != nil {
		logger.Fatal("seed:", err)
	}

	logger.Printf("seed complete, accounts use password %q", demoPassword)
}

type seeder struct {
	repo         *database.PgGoClinicRepository
	log          *log.Logger
	passwordHash string
}

func (s *seeder) run(ctx context.Context, institutions, doctors, patients, perPatient int) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(demoPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	s.passwordHash = string(hash)

	instIds, err := s.seedInstitutions(ctx, institutions)
	if err != nil {
		return fmt.Errorf("seed institutions: %w", err)
	}

	doctorAccounts, err := s.seedAccounts(ctx, doctors, types.RoleDoctor, instIds)
	if err != nil {
		return fmt.Errorf("seed doctors: %w", err)
	}

	patientAccounts, err := s.seedAccounts(ctx, patients, types.RolePatient, nil)
	if err != nil {
		return fmt.Errorf("seed patients: %w", err)
	}

	if len(doctorAccounts) == 0 {
		return nil
	}

	return s.seedAppointments(ctx, patientAccounts, doctorAccounts, perPatient)
}

func (s *seeder) seedInstitutions(ctx context.Context, count int) ([]int, error) {
	s.log.Printf("seeding %d institutions", count)

	ids := make([]int, 0, count)
	for i := 0; i < count; i++ {
		inst, err := s.repo.CreateInstitution(ctx, database.CreateInstitutionParams{
			Name:    gofakeit.Company() + " Hospital",
			Address: gofakeit.Street() + ", " + gofakeit.City(),
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, inst.Id)
	}

	return ids, nil
}

func (s *seeder) seedAccounts(ctx context.Context, count int, role types.Role, instIds []int) ([]database.User, error) {
	s.log.Printf("seeding %d %ss", count, role)

	accounts := make([]database.User, 0, count)
	for i := 0; i < count; i++ {
		params := database.CreateAccountParams{
			Username:     gofakeit.Name(),
			EmailAddress: gofakeit.Email(),
			PasswordHash: s.passwordHash,
			Role:         role,
		}
		if role == types.RoleDoctor && len(instIds) > 0 {
			params.InstitutionId = instIds[gofakeit.Number(0, len(instIds)-1)]
		}

		u, err := s.repo.CreateAccount(ctx, params)
		if errors.Is(err, database.ErrDuplicateAccount) {
			continue
		}
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, u)
	}

	return accounts, nil
}

// seedAppointments spreads bookings from a week ago to a week ahead so the
// reconciler has past, current and future sessions to work on.
func (s *seeder) seedAppointments(ctx context.Context, patients, doctors []database.User, perPatient int) error {
	s.log.Printf("seeding %d appointments", len(patients)*perPatient)

	today := time.Now().UTC().Truncate(24 * time.Hour)
	for _, p := range patients {
		for i := 0; i < perPatient; i++ {
			doctor := doctors[gofakeit.Number(0, len(doctors)-1)]
			start := today.
				AddDate(0, 0, gofakeit.Number(-7, 7)).
				Add(time.Duration(gofakeit.Number(16, 35)) * 30 * time.Minute)

			_, err := s.repo.CreateAppointment(ctx, database.CreateAppointmentParams{
				PatientId:     p.Id,
				DoctorId:      doctor.Id,
				InstitutionId: doctor.InstitutionId,
				Date:          start.Format(appointment.DateLayout),
				Time:          start.Format(appointment.TimeLayout),
			})
			if err != nil {
				return err
			}
		}
	}

	return nil
}
