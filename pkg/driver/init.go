package driver

import derrors "steppermon/pkg/errors"

// InitSettings are the power-on defaults programmed into a chip.
type InitSettings struct {
	Milliamps    int
	Microsteps   int
	Interpolate  bool
	StealthChop  bool
	TPWMTHRS     uint32
	Chopper      ChopperTiming
	OCDThreshold int // dSPIN overcurrent threshold register, 0 keeps reset value
}

// Init programs the defaults. The shadow registers are dropped first, as
// the chip itself does on reset, so the sequence of writes depends only
// on s and repeated calls produce identical bus traffic.
func (c *Chip) Init(s InitSettings) error {
	if c.model.HasChopperTiming() {
		if err := s.Chopper.Validate(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.fields.Registers = make(map[string]uint32)
	c.mu.Unlock()

	var err error
	switch c.family {
	case FamilyTMC2130:
		err = c.initTMC2130(s)
	case FamilyTMC220x:
		err = c.initTMC220x(s)
	case FamilyTMC2660:
		err = c.initTMC2660(s)
	default:
		err = c.initL64XX(s)
	}
	return err
}

func (c *Chip) chopconf(s InitSettings, extra ...fieldValue) error {
	fvs := []fieldValue{
		{"tbl", 1},
		{"toff", int32(s.Chopper.Toff)},
		{"hend", int32(s.Chopper.Hend + 3)},
		{"hstrt", int32(s.Chopper.Hstrt - 1)},
	}
	return c.setFields("CHOPCONF", append(fvs, extra...)...)
}

func (c *Chip) initTMC2130(s InitSettings) error {
	mres, err := GetMRES(s.Microsteps)
	if err != nil {
		return derrors.Wrap(err, derrors.ErrConfigValidation, "microsteps")
	}
	steps := []func() error{
		func() error {
			return c.chopconf(s, fieldValue{"intpol", b2i(s.Interpolate)}, fieldValue{"mres", int32(mres)})
		},
		func() error { return c.SetMilliamps(s.Milliamps) },
		func() error { return c.Set("iholddelay", 10) },
		func() error { return c.Set("tpowerdown", 128) },
		func() error { return c.Set("en_pwm_mode", b2i(s.StealthChop)) },
		func() error {
			return c.setFields("PWMCONF",
				fieldValue{"pwm_freq", 1},
				fieldValue{"pwm_autoscale", 1},
				fieldValue{"pwm_grad", 5},
				fieldValue{"pwm_ampl", 180})
		},
		func() error { return c.SetTPWMTHRS(s.TPWMTHRS) },
		c.ClearResetFlags,
	}
	return runSteps(steps)
}

func (c *Chip) initTMC220x(s InitSettings) error {
	mres, err := GetMRES(s.Microsteps)
	if err != nil {
		return derrors.Wrap(err, derrors.ErrConfigValidation, "microsteps")
	}
	steps := []func() error{
		func() error {
			return c.setFields("GCONF",
				fieldValue{"pdn_disable", 1},
				fieldValue{"mstep_reg_select", 1},
				fieldValue{"i_scale_analog", 0},
				fieldValue{"en_spreadcycle", b2i(!s.StealthChop)})
		},
		func() error {
			return c.chopconf(s, fieldValue{"intpol", b2i(s.Interpolate)}, fieldValue{"mres", int32(mres)})
		},
		func() error { return c.SetMilliamps(s.Milliamps) },
		func() error { return c.Set("iholddelay", 10) },
		func() error { return c.Set("tpowerdown", 128) },
		func() error {
			return c.setFields("PWMCONF",
				fieldValue{"pwm_lim", 12},
				fieldValue{"pwm_reg", 8},
				fieldValue{"pwm_autograd", 1},
				fieldValue{"pwm_autoscale", 1},
				fieldValue{"pwm_freq", 1},
				fieldValue{"pwm_grad", 14},
				fieldValue{"pwm_ofs", 36})
		},
		func() error { return c.SetTPWMTHRS(s.TPWMTHRS) },
		c.ClearResetFlags,
	}
	return runSteps(steps)
}

func (c *Chip) initTMC2660(s InitSettings) error {
	mres, err := GetMRES(s.Microsteps)
	if err != nil {
		return derrors.Wrap(err, derrors.ErrConfigValidation, "microsteps")
	}
	steps := []func() error{
		func() error {
			return c.setFields("DRVCONF", fieldValue{"rdsel", 1}, fieldValue{"sdoff", 0})
		},
		func() error { return c.chopconf(s) },
		func() error {
			return c.setFields("DRVCTRL",
				fieldValue{"intpol", b2i(s.Interpolate)},
				fieldValue{"mres", int32(mres)})
		},
		func() error { return c.WriteRegister("SMARTEN", 0) },
		func() error { return c.SetMilliamps(s.Milliamps) },
	}
	return runSteps(steps)
}

func (c *Chip) initL64XX(s InitSettings) error {
	steps := []func() error{
		func() error {
			if cmd, ok := c.bus.(Commander); ok {
				if err := cmd.Command(L64XXResetDevice); err != nil {
					return derrors.CommError(err, "reset device")
				}
			}
			return nil
		},
		func() error { return c.SetMicrosteps(s.Microsteps) },
		func() error {
			if s.OCDThreshold <= 0 {
				return nil
			}
			return c.Set("ocd_th", int32(s.OCDThreshold))
		},
		func() error { return c.Set("alarm_en", 0xEF) },
		func() error { return c.SetMilliamps(s.Milliamps) },
		func() error {
			// Reading the status clears latched flags.
			_, err := c.ReadStatus()
			return err
		},
	}
	return runSteps(steps)
}

func runSteps(steps []func() error) error {
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
